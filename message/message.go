// Package message renders the HTML pages and emails shown to people who
// request reports.
package message

import (
	"io"
	"net/http"
)

// PageResponse writes an HTML page.
func PageResponse(w http.ResponseWriter, data PageData, statusCode int) error {
	html, err := RenderPage(data)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	_, err = io.WriteString(w, html)
	return err
}

// ErrorResponse writes an HTML error page.
func ErrorResponse(w http.ResponseWriter, title string, message string, details string, statusCode int) error {
	return PageResponse(w, PageData{
		Title:       title,
		HeaderTitle: title,
		Message:     message,
		ShowDetails: details != "",
		Details:     details,
	}, statusCode)
}

func NotFoundResponse(w http.ResponseWriter) error {
	return ErrorResponse(w, "Page not found", "The page you are looking for does not exist.", "", http.StatusNotFound)
}
