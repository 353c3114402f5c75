package api

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/vnmchuo/chat-queue/internal/jobs"
)

// StatusHeader carries the job status on every job response so pollers never
// need to inspect the body.
const StatusHeader = "X-Job-Status"

// statusNotFound is reported for ids with no live record.
const statusNotFound = "not_found"

var fragments = template.Must(template.New("fragments").Parse(`
{{define "pending"}}<div class="job job-pending" id="job-{{.JobID}}" data-status="{{.Status}}" hx-get="/get-response/{{.JobID}}" hx-trigger="load delay:1s" hx-swap="outerHTML"><span class="thinking">Thinking...</span></div>{{end}}
{{define "completed"}}<div class="job job-completed" id="job-{{.JobID}}" data-status="{{.Status}}"><div class="result">{{.Result}}</div></div>{{end}}
{{define "failed"}}<div class="job job-failed" id="job-{{.JobID}}" data-status="{{.Status}}"><span class="error">Error: {{.Error}}</span></div>{{end}}
{{define "not_found"}}<div class="job job-unknown" data-status="{{.Status}}"><span class="error">Unknown job {{.JobID}}</span></div>{{end}}
{{define "error"}}<div class="error">{{.}}</div>{{end}}
`))

// wantsHTML reports whether the caller is htmx or a browser asking for HTML.
func wantsHTML(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("HX-Request"), "true") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeFragment(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = fragments.ExecuteTemplate(w, name, data)
}

// fragmentFor picks the template matching a job response.
func fragmentFor(resp jobResponse) string {
	switch resp.Status {
	case string(jobs.StatusCompleted):
		return "completed"
	case string(jobs.StatusFailed):
		return "failed"
	case statusNotFound:
		return "not_found"
	default:
		return "pending"
	}
}
