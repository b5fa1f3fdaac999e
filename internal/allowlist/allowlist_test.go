package allowlist

import (
	"testing"

	"github.com/sevir/escolta/pkg/models"
)

func TestEvaluateGlobSemantics(t *testing.T) {
	tests := []struct {
		name    string
		rules   Policy
		op      models.FileOperation
		paths   []string
		allowed bool
	}{
		{
			name:    "doublestar matches across separators",
			rules:   Policy{{Pattern: "/tmp/**"}},
			op:      models.FileOpCreate,
			paths:   []string{"/tmp/a/b/c.txt"},
			allowed: true,
		},
		{
			name:    "doublestar does not match other roots",
			rules:   Policy{{Pattern: "/tmp/**"}},
			op:      models.FileOpCreate,
			paths:   []string{"/var/a"},
			allowed: false,
		},
		{
			name:    "single star stays within one segment",
			rules:   Policy{{Pattern: "/tmp/*.txt"}},
			op:      models.FileOpModify,
			paths:   []string{"/tmp/a.txt"},
			allowed: true,
		},
		{
			name:    "single star does not cross separators",
			rules:   Policy{{Pattern: "/tmp/*.txt"}},
			op:      models.FileOpModify,
			paths:   []string{"/tmp/a/b.txt"},
			allowed: false,
		},
		{
			name:    "question mark matches exactly one character",
			rules:   Policy{{Pattern: "/tmp/file?.log"}},
			op:      models.FileOpDelete,
			paths:   []string{"/tmp/file1.log"},
			allowed: true,
		},
		{
			name:    "question mark does not match two characters",
			rules:   Policy{{Pattern: "/tmp/file?.log"}},
			op:      models.FileOpDelete,
			paths:   []string{"/tmp/file12.log"},
			allowed: false,
		},
		{
			name:    "exact path match without glob characters",
			rules:   Policy{{Pattern: "/etc/hosts"}},
			op:      models.FileOpModify,
			paths:   []string{"/etc/hosts"},
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rules.Evaluate(tt.op, tt.paths)
			if got != tt.allowed {
				t.Errorf("Evaluate(%s, %v) = %v, want %v", tt.op, tt.paths, got, tt.allowed)
			}
		})
	}
}

func TestEvaluateOperationScope(t *testing.T) {
	rules := Policy{{Pattern: "/work/**", Operation: models.FileOpDelete}}

	if !rules.Evaluate(models.FileOpDelete, []string{"/work/old.txt"}) {
		t.Error("expected delete to be allowed under /work")
	}
	if rules.Evaluate(models.FileOpCreate, []string{"/work/new.txt"}) {
		t.Error("a rule scoped to delete must not authorize create")
	}
}

func TestEvaluateAllPathsMustMatch(t *testing.T) {
	rules := Policy{{Pattern: "/tmp/**"}}

	if !rules.Evaluate(models.FileOpMove, []string{"/tmp/a", "/tmp/b/c"}) {
		t.Error("expected all-inside-tmp request to be allowed")
	}
	if rules.Evaluate(models.FileOpMove, []string{"/tmp/a", "/home/x"}) {
		t.Error("one unmatched path must deny the whole request")
	}
	if rules.Evaluate(models.FileOpMove, nil) {
		t.Error("a request with no paths must be denied")
	}
}

func TestEvaluateEmptyPolicy(t *testing.T) {
	var rules Policy
	if rules.Evaluate(models.FileOpCreate, []string{"/anything"}) {
		t.Error("empty policy must deny everything")
	}
}

func TestValidate(t *testing.T) {
	rules := Policy{
		{Pattern: "/tmp/**"},
		{Pattern: "/data/[", Operation: models.FileOpCreate},
		{Pattern: "/etc/*", Operation: "chmod"},
	}

	bad := rules.Validate()
	if len(bad) != 2 {
		t.Fatalf("expected 2 invalid rules, got %d: %v", len(bad), bad)
	}
}
