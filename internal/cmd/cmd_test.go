package cmd

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/captcha-broker/internal/auth"
	"github.com/jmylchreest/captcha-broker/internal/config"
	"github.com/jmylchreest/captcha-broker/internal/provider/providertest"
	"github.com/jmylchreest/captcha-broker/internal/solver"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv(config.ConfigEnv, "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "broker.db"))
	cfgFile = ""
	solveProvider, solveExtra, solveJSON = "", nil, false
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "captcha-broker", rootCmd.Use)

	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "providers", "balance", "solve", "token", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(rootCmd, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "captcha-broker "), out)
}

func TestTokenCommand(t *testing.T) {
	isolate(t)
	secret := "0123456789abcdef0123456789abcdef"
	t.Setenv("AUTH_JWT_SECRET", secret)

	out, err := executeCommand(rootCmd, "token", "ci-runner", "--scope", "solve,admin", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := auth.NewVerifier(secret, auth.DefaultIssuer).VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ci-runner", claims.Subject)
	assert.ElementsMatch(t, []string{auth.ScopeAdmin, auth.ScopeSolve}, claims.GetScopes())
}

func TestTokenCommand_NoSecret(t *testing.T) {
	isolate(t)
	t.Setenv("AUTH_JWT_SECRET", "")

	_, err := executeCommand(rootCmd, "token", "ci-runner", "--scope", "solve")
	assert.ErrorContains(t, err, "jwt_secret")
}

func TestProvidersCommand(t *testing.T) {
	isolate(t)
	t.Setenv("CAPSOLVER_API_KEY", providertest.ValidKey)
	t.Setenv("CAPSOLVER_PRIORITY", "0")

	out, err := executeCommand(rootCmd, "providers")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 2+len(solver.Builtin()))
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, out, solver.MaskKey(providertest.ValidKey))
	assert.NotContains(t, out, providertest.ValidKey)
	for _, def := range solver.Builtin() {
		assert.Contains(t, out, def.DisplayName)
	}
}

func TestSolveCommand_Validation(t *testing.T) {
	isolate(t)

	_, err := executeCommand(rootCmd, "solve", "--type", "mtcaptcha", "--site-key", "k", "--page-url", "https://e.com")
	assert.ErrorContains(t, err, "unknown captcha type")

	_, err = executeCommand(rootCmd, "solve", "--type", "turnstile", "--site-key", "k", "--page-url", "https://e.com", "--extra", "novalue")
	assert.ErrorContains(t, err, "key=value")
}

func TestSolveCommand_FetchesBalancesFirst(t *testing.T) {
	isolate(t)

	var (
		mu   sync.Mutex
		hits []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/getBalance":
			_, _ = io.WriteString(w, `{"errorId":0,"balance":3.2}`)
		case "/createTask":
			_, _ = io.WriteString(w, `{"errorId":0,"taskId":"task-1"}`)
		case "/getTaskResult":
			_, _ = io.WriteString(w, `{"errorId":0,"status":"ready","solution":{"gRecaptchaResponse":"03AGdBq-token"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	t.Setenv("CAPSOLVER_API_KEY", providertest.ValidKey)
	t.Setenv("CAPSOLVER_BASE_URL", srv.URL+"/")
	t.Setenv("POLL_INTERVAL", "10ms")

	out, err := executeCommand(rootCmd, "solve",
		"--type", "recaptchav2", "--site-key", "6Le-test", "--page-url", "https://example.com/login")
	require.NoError(t, err, out)
	assert.Equal(t, "03AGdBq-token", strings.TrimSpace(out))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, hits)
	assert.Equal(t, "/getBalance", hits[0])
	assert.Contains(t, hits, "/createTask")
}

func TestSolveCommand_UnknownProvider(t *testing.T) {
	isolate(t)

	_, err := executeCommand(rootCmd, "solve", "--provider", "ghost",
		"--type", "turnstile", "--site-key", "k", "--page-url", "https://e.com")
	assert.Error(t, err)
}

func TestParseExtra(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]string
		wantErr bool
	}{
		{"empty", nil, nil, false},
		{"pairs", []string{"action=login", "min_score=0.7"}, map[string]string{"action": "login", "min_score": "0.7"}, false},
		{"value with equals", []string{"data=a=b"}, map[string]string{"data": "a=b"}, false},
		{"missing equals", []string{"invisible"}, nil, true},
		{"empty key", []string{"=x"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseExtra(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTable_Render(t *testing.T) {
	tb := newTable("ID", "NAME", "NOTE")
	tb.add("a", "日本語", "wide")
	tb.add("longer-id", "x", 3)

	var buf bytes.Buffer
	tb.render(&buf)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)

	// Column starts line up by display width.
	assert.Equal(t, "ID         NAME    NOTE", lines[0])
	assert.Equal(t, "a          日本語  wide", lines[2])
	assert.Equal(t, "longer-id  x       3", lines[3])
}
