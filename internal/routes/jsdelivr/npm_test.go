package jsdelivr

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestScopeAllowed(t *testing.T) {
	h := &Handler{Scopes: []string{"bokeh", "holoviz", "pyscript", "stlite"}}

	for _, scope := range []string{"bokeh", "holoviz", "pyscript", "stlite"} {
		if !h.scopeAllowed(scope) {
			t.Errorf("scopeAllowed(%q) = false, want true", scope)
		}
	}
	if h.scopeAllowed("evil-scope") {
		t.Error("scopeAllowed(evil-scope) = true, want false")
	}
}

func TestHasAllowedUnscopedPrefix(t *testing.T) {
	cases := []struct {
		pkgAtVersion string
		want         bool
	}{
		{"pyodide@0.26.0", true},
		{"swagger-ui-dist@5.0.0", true},
		{"lodash@4.17.21", false},
	}
	for _, c := range cases {
		if got := hasAllowedUnscopedPrefix(c.pkgAtVersion); got != c.want {
			t.Errorf("hasAllowedUnscopedPrefix(%q) = %v, want %v", c.pkgAtVersion, got, c.want)
		}
	}
}

func TestSplitPackageVersion(t *testing.T) {
	name, version, ok := splitPackageVersion("lodash@4.17.21")
	if !ok || name != "lodash" || version != "4.17.21" {
		t.Fatalf("splitPackageVersion(lodash@4.17.21) = (%q, %q, %v)", name, version, ok)
	}

	if _, _, ok := splitPackageVersion("no-at-sign"); ok {
		t.Fatal("splitPackageVersion should reject a string with no '@'")
	}
}

func TestScopedName(t *testing.T) {
	if got := scopedName("", "pyodide@0.26.0"); got != "pyodide@0.26.0" {
		t.Fatalf("scopedName(\"\", ...) = %q", got)
	}
	if got := scopedName("bokeh", "bokehjs@3.0.0"); got != "@bokeh/bokehjs@3.0.0" {
		t.Fatalf("scopedName(bokeh, ...) = %q", got)
	}
}

func TestServeHTTPRejectsDisallowedScope(t *testing.T) {
	h := &Handler{Scopes: []string{"bokeh"}}
	req := httptest.NewRequest(http.MethodGet, "/npm/@evil-scope/pkg@1.0.0/index.js", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a scope not on the allow-list", w.Code)
	}
}

func TestServeHTTPRejectsMissingFilePath(t *testing.T) {
	h := &Handler{Scopes: []string{"bokeh"}}
	req := httptest.NewRequest(http.MethodGet, "/npm/lodash@4.17.21", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when no trailing file path is given", w.Code)
	}
}

func TestPyodidePackages(t *testing.T) {
	cases := []struct {
		file string
		want int
	}{
		{"pyodide.asm.wasm", 3},
		{"ffi.d.ts", 2},
		{"console.html", 1},
		{"unknown-file.bin", 0},
	}
	for _, c := range cases {
		if got := len(pyodidePackages(c.file)); got != c.want {
			t.Errorf("len(pyodidePackages(%q)) = %d, want %d", c.file, got, c.want)
		}
	}
}
