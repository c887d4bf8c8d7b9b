package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bottomline/reportcache/cache"
	"github.com/bottomline/reportcache/config"
	"github.com/bottomline/reportcache/logger"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", "", "--log-level", "error"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNormalize(t *testing.T) {
	out, err := run(t, "normalize", "HTTP://Example.com/Path/", "https://example.com:443")
	require.NoError(t, err)
	assert.Equal(t, "example.com/path\nexample.com\n", out)

	_, err = run(t, "normalize", "ftp://example.com")
	assert.True(t, errors.Is(err, urlkey.ErrInvalidInput))
}

func TestTokenIssueDecode(t *testing.T) {
	t.Setenv("REPORTCACHE_TOKEN_SECRET", testSecret)
	tok, err := run(t, "token", "issue", "https://Example.com/Pricing", "a@b.com")
	require.NoError(t, err)

	out, err := run(t, "token", "decode", strings.TrimSpace(tok))
	require.NoError(t, err)
	assert.Contains(t, out, "key\texample.com/pricing#deep")
	assert.Contains(t, out, "contact\ta@b.com")
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("REPORTCACHE_TOKEN_SECRET", "short")
	_, err := run(t, "token", "issue", "example.com", "a@b.com")
	assert.Error(t, err)
}

func TestTokenSecret(t *testing.T) {
	out, err := run(t, "token", "secret", "--size", "40")
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(out), 40)

	_, err = run(t, "token", "secret", "--size", "8")
	assert.Error(t, err)
}

func TestClassifyAndKnown(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	t.Setenv("REPORTCACHE_STORE_BACKEND", "sqlite")
	t.Setenv("REPORTCACHE_STORE_SQLITE_PATH", path)

	cfg, err := config.Load("")
	require.NoError(t, err)
	a, err := newApp(ctx, cfg, logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, a.engine().Put(ctx, cache.Record{Base: "example.com/path", Variant: urlkey.Basic, Output: "cached report"}))
	require.NoError(t, a.Close())

	out, err := run(t, "classify", "http://example.com/path", "--output")
	require.NoError(t, err)
	assert.Contains(t, out, "example.com/path#basic\tfresh")
	assert.Contains(t, out, "cached report")

	out, err = run(t, "classify", "http://example.com/path", "--variant", "deep")
	require.NoError(t, err)
	assert.Contains(t, out, "example.com/path#deep\tknown_site")

	out, err = run(t, "known", "list")
	require.NoError(t, err)
	assert.Equal(t, "example.com/path\n", out)

	out, err = run(t, "known", "purge", "https://example.com/path/")
	require.NoError(t, err)
	assert.Equal(t, "purged example.com/path\n", out)

	out, err = run(t, "classify", "example.com/path")
	require.NoError(t, err)
	assert.Contains(t, out, "unseen")
}

func TestOrchestratorWiring(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	cfg.Token.Secret = testSecret
	cfg.Generator.URL = "http://localhost:1"
	cfg.Mail.VerifyURL = "https://reports.example.net/verify-email"

	a, err := newApp(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)
	defer a.Close()
	o, err := a.orchestrator()
	require.NoError(t, err)
	assert.True(t, o.RequiresConfirmation(urlkey.Key{Base: "example.com", Variant: urlkey.Deep}))
	assert.False(t, o.RequiresConfirmation(urlkey.Key{Base: "example.com", Variant: urlkey.Basic}))

	cfg.Generator.URL = ""
	a.cfg = cfg
	_, err = a.orchestrator()
	assert.Error(t, err)
}
