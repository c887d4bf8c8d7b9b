package message

import (
	"bytes"
	"html/template"
	texttemplate "text/template"
)

func safeHTML(s string) template.HTML {
	return template.HTML(s)
}

const pageTemplate = `<!DOCTYPE html><html lang="en"><head><meta charSet="utf-8" /><meta name="viewport" content="width=device-width, initial-scale=1" /><meta name="robots" content="noindex" /><title>{{.Title}}</title><style type="text/css">body {font-family: system-ui, sans-serif;font-size: 16px;line-height: 1.5;background-color: #F8FAFC;color: #334155;margin: 0;}main {display: flex;flex-direction: column;align-items: center;justify-content: center;min-height: 100vh;gap: 1.5rem;padding: 0 1rem;}h1 {font-size: 1.5rem;line-height: 2rem;margin: 0;color: #0F172A;}p {margin: 0;max-width: 40rem;text-align: center;}details pre {padding: 1rem;background-color: #E2E8F0;border-radius: 0.5rem;font-size: 0.75rem;overflow: auto;max-width: 50vw;max-height: 24rem;}</style></head><body><main><section>
<h1>{{.HeaderTitle}}</h1>
<p>{{- if .RawHTML -}}{{.RawHTML | safeHTML}}{{- else -}}{{.Message}}{{- end -}}</p>
</section>{{if .ShowDetails}}<details><summary>See details</summary>
<pre>{{.Details}}</pre>
</details>{{end}}</main></body></html>`

// PageData fills the page template.
type PageData struct {
	Title       string // <title>
	HeaderTitle string // h1
	Message     string // escaped body text
	RawHTML     string // unescaped body, wins over Message
	ShowDetails bool
	Details     string
}

var DefaultPageTemplate = template.Must(template.New("page").Funcs(template.FuncMap{
	"safeHTML": safeHTML,
}).Parse(pageTemplate))

func RenderPage(data PageData) (string, error) {
	return render(DefaultPageTemplate, data)
}

func RenderErrorPage(title, message, details string) (string, error) {
	return RenderPage(PageData{
		Title:       title,
		HeaderTitle: title,
		Message:     message,
		ShowDetails: details != "",
		Details:     details,
	})
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Email is a rendered message ready for a mail transport.
type Email struct {
	Subject string
	Text    string
	HTML    string
}

const verificationText = `Hello,

Please confirm your email address to receive your report for {{.Site}}:

{{.Link}}

The link is valid until {{.Expires}}. If you did not request this report you can ignore this message.
`

const verificationHTML = `<p>Hello,</p><p>Please confirm your email address to receive your report for <strong>{{.Site}}</strong>.</p><p><a href="{{.Link}}">Confirm and send my report</a></p><p>The link is valid until {{.Expires}}. If you did not request this report you can ignore this message.</p>`

const reportText = `Hello,

Here is your report for {{.Site}}:

{{.Output}}
`

const reportHTML = `<p>Hello,</p><p>Here is your report for <strong>{{.Site}}</strong>:</p><pre style="white-space: pre-wrap">{{.Output}}</pre>`

var (
	verificationTextTmpl = texttemplate.Must(texttemplate.New("verification.txt").Parse(verificationText))
	verificationHTMLTmpl = template.Must(template.New("verification.html").Parse(verificationHTML))
	reportTextTmpl       = texttemplate.Must(texttemplate.New("report.txt").Parse(reportText))
	reportHTMLTmpl       = template.Must(template.New("report.html").Parse(reportHTML))
)

// VerificationData fills the confirmation email.
type VerificationData struct {
	Site    string
	Link    string
	Expires string
}

// ReportData fills the report email.
type ReportData struct {
	Site   string
	Output string
}

func renderEmail(subject string, text *texttemplate.Template, html *template.Template, data any) (Email, error) {
	var tb bytes.Buffer
	if err := text.Execute(&tb, data); err != nil {
		return Email{}, err
	}
	h, err := render(html, data)
	if err != nil {
		return Email{}, err
	}
	return Email{Subject: subject, Text: tb.String(), HTML: h}, nil
}

func VerificationEmail(data VerificationData) (Email, error) {
	return renderEmail("Confirm your report request", verificationTextTmpl, verificationHTMLTmpl, data)
}

func ReportEmail(data ReportData) (Email, error) {
	subject := "Your report"
	if data.Site != "" {
		subject = "Your report for " + data.Site
	}
	return renderEmail(subject, reportTextTmpl, reportHTMLTmpl, data)
}
