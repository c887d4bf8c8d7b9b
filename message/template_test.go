package message

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderErrorPage(t *testing.T) {
	html, err := RenderErrorPage("Link expired", "Please request the report again.", "token expired")
	require.NoError(t, err)
	assert.Contains(t, html, "<title>Link expired</title>")
	assert.Contains(t, html, "<h1>Link expired</h1>")
	assert.Contains(t, html, "<p>Please request the report again.</p>")
	assert.Contains(t, html, "token expired")
}

func TestRenderErrorPageWithoutDetails(t *testing.T) {
	html, err := RenderErrorPage("Oops", "Something went wrong", "")
	require.NoError(t, err)
	assert.NotContains(t, html, "<details>")
}

func TestRenderPageEscapes(t *testing.T) {
	html, err := RenderPage(PageData{Title: "x", HeaderTitle: "x", Message: "<script>alert(1)</script>"})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")

	html, err = RenderPage(PageData{Title: "x", HeaderTitle: "x", RawHTML: "<strong>ok</strong>"})
	require.NoError(t, err)
	assert.Contains(t, html, "<p><strong>ok</strong></p>")
}

func TestVerificationEmail(t *testing.T) {
	e, err := VerificationEmail(VerificationData{
		Site:    "example.com/pricing",
		Link:    "https://reports.example.net/verify-email?token=abc.def.ghi",
		Expires: "2024-03-02 12:00 UTC",
	})
	require.NoError(t, err)
	assert.Equal(t, "Confirm your report request", e.Subject)
	assert.Contains(t, e.Text, "https://reports.example.net/verify-email?token=abc.def.ghi")
	assert.Contains(t, e.HTML, `href="https://reports.example.net/verify-email?token=abc.def.ghi"`)
	assert.Contains(t, e.HTML, "<strong>example.com/pricing</strong>")
}

func TestReportEmailEscapesOutput(t *testing.T) {
	e, err := ReportEmail(ReportData{Site: "example.com", Output: "score <b>7</b>"})
	require.NoError(t, err)
	assert.Equal(t, "Your report for example.com", e.Subject)
	assert.Contains(t, e.Text, "score <b>7</b>")
	assert.Contains(t, e.HTML, "score &lt;b&gt;7&lt;/b&gt;")
}

func TestErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, NotFoundResponse(w))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Page not found")
}
