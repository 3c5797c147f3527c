package agent

import (
	"strings"
	"testing"
)

func TestQueryType(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{"select", "SELECT * FROM orders", "SELECT"},
		{"lowercase select", "select * from orders", "SELECT"},
		{"with cte treated as select", "WITH recent AS (SELECT 1) SELECT * FROM recent", "SELECT"},
		{"insert", "INSERT INTO orders VALUES (1)", "INSERT"},
		{"update", "UPDATE orders SET status = 'shipped'", "UPDATE"},
		{"delete", "DELETE FROM orders WHERE id = 1", "DELETE"},
		{"leading whitespace", "   SELECT 1", "SELECT"},
		{"unknown", "EXPLAIN SELECT 1", "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := queryType(tt.sql); got != tt.want {
				t.Errorf("queryType(%q) = %q, want %q", tt.sql, got, tt.want)
			}
		})
	}
}

func TestCheckBasicSyntax(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		wantErr string // substring expected among the returned errors, "" means no errors
	}{
		{"balanced and clean", "SELECT id FROM orders WHERE total > 100", ""},
		{"unbalanced parens", "SELECT id FROM orders WHERE (total > 100", "unbalanced parentheses"},
		{"trailing semicolon", "SELECT id FROM orders;", "remove semicolon"},
		{"select without from", "SELECT 1", "must have FROM clause"},
		{"unclosed quote", "SELECT id FROM orders WHERE name = 'abc", "unclosed single quote"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := checkBasicSyntax(tt.sql)
			if tt.wantErr == "" {
				if len(errs) != 0 {
					t.Errorf("checkBasicSyntax(%q) = %v, want no errors", tt.sql, errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if strings.Contains(e, tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("checkBasicSyntax(%q) = %v, want an error containing %q", tt.sql, errs, tt.wantErr)
			}
		})
	}
}

func TestCheckDangerousPatterns(t *testing.T) {
	tests := []struct {
		name      string
		sql       string
		wantEmpty bool
	}{
		{"clean query", "SELECT id FROM orders WHERE status = 'paid'", true},
		{"drop table injection", "SELECT 1; DROP TABLE orders", false},
		{"delete injection", "SELECT 1; DELETE FROM orders", false},
		{"insert injection", "SELECT 1; INSERT INTO orders VALUES (1)", false},
		{"update injection", "SELECT 1; UPDATE orders SET status = 'x'", false},
		{"trailing comment", "SELECT 1 --", false},
		{"block comment", "SELECT 1 /* sneaky */", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := checkDangerousPatterns(tt.sql)
			if tt.wantEmpty && len(errs) != 0 {
				t.Errorf("checkDangerousPatterns(%q) = %v, want none", tt.sql, errs)
			}
			if !tt.wantEmpty && len(errs) == 0 {
				t.Errorf("checkDangerousPatterns(%q) = empty, want at least one warning", tt.sql)
			}
		})
	}
}

func TestCheckExpectedTablesMentioned(t *testing.T) {
	sql := "SELECT o.id FROM orders o JOIN customers c ON o.customer_id = c.id"

	warnings := checkExpectedTablesMentioned(sql, []string{"orders", "customers"})
	if len(warnings) != 0 {
		t.Errorf("checkExpectedTablesMentioned() = %v, want none (both tables present)", warnings)
	}

	warnings = checkExpectedTablesMentioned(sql, []string{"orders", "products"})
	if len(warnings) != 1 {
		t.Fatalf("checkExpectedTablesMentioned() = %v, want exactly one warning for products", warnings)
	}
}

func TestValidateSQL(t *testing.T) {
	t.Run("valid select is valid with no errors", func(t *testing.T) {
		result := validateSQL("SELECT id FROM orders WHERE status = 'paid'", []string{"orders"})
		if !result.IsValid {
			t.Errorf("IsValid = false, errors: %v", result.Errors)
		}
		if len(result.Errors) != 0 {
			t.Errorf("Errors = %v, want none", result.Errors)
		}
		if result.QueryType != "SELECT" {
			t.Errorf("QueryType = %q, want SELECT", result.QueryType)
		}
	})

	t.Run("non-select produces a warning but stays otherwise valid", func(t *testing.T) {
		result := validateSQL("UPDATE orders SET status = 'shipped' WHERE id = 1", nil)
		if result.QueryType != "UPDATE" {
			t.Errorf("QueryType = %q, want UPDATE", result.QueryType)
		}
		if len(result.Warnings) == 0 {
			t.Error("Warnings = empty, want a warning about non-SELECT query type")
		}
		if !result.IsValid {
			t.Error("IsValid = false, want true for a non-SELECT query with no dangerous pattern")
		}
	})

	t.Run("dangerous pattern invalidates the query", func(t *testing.T) {
		result := validateSQL("SELECT 1; DROP TABLE orders", nil)
		if result.IsValid {
			t.Error("IsValid = true, want false for a DROP TABLE injection")
		}
	})

	t.Run("missing expected table is a warning not an error", func(t *testing.T) {
		result := validateSQL("SELECT id FROM orders", []string{"orders", "customers"})
		if !result.IsValid {
			t.Errorf("IsValid = false, want true (missing table is only a warning), errors: %v", result.Errors)
		}
		if len(result.Warnings) == 0 {
			t.Error("Warnings = empty, want a warning about the missing customers table")
		}
	})
}
