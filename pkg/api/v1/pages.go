package v1

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	mwaperrors "github.com/dhirmadi/mwapserver-sub005/pkg/errors"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
	"github.com/dhirmadi/mwapserver-sub005/pkg/validation"
)

// pageRoutes renders the popup-facing HTML pages the callback redirects to.
type pageRoutes struct{}

// PagesRouter creates the router for the root-level popup pages. The same
// handlers are also registered under the versioned API prefix.
func PagesRouter() http.Handler {
	pages := pageRoutes{}
	r := chi.NewRouter()
	r.Get("/success", pages.successPage)
	r.Get("/error", pages.errorPage)
	return r
}

// successPage
//
//	@Summary		OAuth success page
//	@Description	Minimal HTML page that posts the outcome to the opener window and closes itself
//	@Tags			oauth
//	@Produce		html
//	@Param			tenantId		query	string	true	"Tenant ID"
//	@Param			integrationId	query	string	true	"Integration ID"
//	@Success		200	{string}	string	"HTML page"
//	@Failure		400	{string}	string	"HTML page"
//	@Router			/oauth/success [get]
func (pageRoutes) successPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenantId")
	integrationID := q.Get("integrationId")

	if validation.ValidateObjectID(tenantID) != nil || validation.ValidateObjectID(integrationID) != nil {
		message := "The connection finished but the confirmation link is incomplete"
		payload, _ := json.Marshal(map[string]string{"type": "oauth_error", "message": message})
		writePage(w, http.StatusBadRequest, errorPageHTML(message, string(payload)))
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"type":          "oauth_success",
		"tenantId":      tenantID,
		"integrationId": integrationID,
	})
	writePage(w, http.StatusOK, successPageHTML(string(payload)))
}

// errorPage
//
//	@Summary		OAuth error page
//	@Description	Minimal HTML page that shows a generic failure message, posts it to the opener window, and closes itself
//	@Tags			oauth
//	@Produce		html
//	@Param			message	query	string	false	"Generic failure message"
//	@Param			code	query	string	false	"Failure code to resolve into a message"
//	@Success		200	{string}	string	"HTML page"
//	@Router			/oauth/error [get]
func (pageRoutes) errorPage(w http.ResponseWriter, r *http.Request) {
	message := resolveErrorMessage(r.URL.Query())
	payload, _ := json.Marshal(map[string]string{"type": "oauth_error", "message": message})
	writePage(w, http.StatusOK, errorPageHTML(message, string(payload)))
}

// resolveErrorMessage picks the message the error page may show. Anything
// that is not a catalogued generic message is replaced, so internal detail
// can never leak through a crafted redirect.
func resolveErrorMessage(q url.Values) string {
	if code := q.Get("code"); code != "" {
		return mwaperrors.GenericMessage(code)
	}
	if msg := q.Get("message"); mwaperrors.IsGenericMessage(msg) {
		return msg
	}
	return mwaperrors.GenericMessage(mwaperrors.ErrInternalError)
}

// setPageSecurityHeaders sets common security headers for the HTML pages.
// Scripts stay inline-only: the pages carry a single postMessage script and
// load nothing remote.
func setPageSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-XSS-Protection", "1; mode=block")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'; script-src 'unsafe-inline'; object-src 'none';")
}

// writePage writes an HTML page with the common security headers.
func writePage(w http.ResponseWriter, status int, content string) {
	setPageSecurityHeaders(w)
	w.WriteHeader(status)
	if _, err := w.Write([]byte(content)); err != nil {
		logger.Warnf("Failed to write HTML content: %v", err)
	}
}

// successPageHTML renders the success popup. The payload is a JSON document
// produced by json.Marshal, which escapes HTML-significant characters, so it
// is safe to embed in the script block.
func successPageHTML(payload string) string {
	return fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <title>Connection Successful</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .container { max-width: 600px; margin: 0 auto; }
        .message { padding: 20px; border-radius: 5px; margin: 20px 0; }
        .success { background-color: #e7f6e7; border: 1px solid #b3e6b3; color: #006600; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Connection Successful!</h1>
        <div class="message success">
            <p>Your cloud provider is now connected. This window will close itself.</p>
        </div>
    </div>
    <script>
        if (window.opener) {
            window.opener.postMessage(%s, "*");
        }
        setTimeout(function() { window.close(); }, 2000);
    </script>
</body>
</html>`, payload)
}

// errorPageHTML renders the error popup. The message is HTML-escaped for the
// visible text; the payload is JSON-escaped for the script block.
func errorPageHTML(message, payload string) string {
	return fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <title>Connection Failed</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .container { max-width: 600px; margin: 0 auto; }
        .message { padding: 20px; border-radius: 5px; margin: 20px 0; }
        .error { background-color: #ffe7e7; border: 1px solid #ffb3b3; color: #cc0000; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Connection Failed</h1>
        <div class="message error">
            <p>%s</p>
        </div>
    </div>
    <script>
        if (window.opener) {
            window.opener.postMessage(%s, "*");
        }
        setTimeout(function() { window.close(); }, 2000);
    </script>
</body>
</html>`, html.EscapeString(message), payload)
}
