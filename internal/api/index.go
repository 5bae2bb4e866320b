package api

import (
	"html/template"
	"net/http"

	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Herdwatch Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: sans-serif; background: #10151c; color: #e6edf3; }
        .app { max-width: 1280px; margin: 0 auto; padding: 16px; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1a2230; border-radius: 8px; padding: 12px; }
        img { width: 100%; height: auto; background: #000; }
        button { margin: 0 8px 8px 0; padding: 8px 14px; border: 0; border-radius: 4px; cursor: pointer; }
        #result { min-height: 1.4em; }
        #events { list-style: none; padding: 0; max-height: 70vh; overflow-y: auto; }
        #events li { padding: 6px 0; border-bottom: 1px solid #2b3545; font-size: 14px; }
        .ondemand { color: #ff7b72; }
        .realtime { color: #7ee787; }
    </style>
</head>
<body>
<div class="app">
    <h1>Herdwatch Monitor</h1>
    <div class="grid">
        <div class="panel">
            <img id="stream" src="/video_feed" alt="Live camera feed">
        </div>
        <div class="panel">
            <h2>On-demand checks</h2>
            {{range .OnDemand}}<button type="button" data-class="{{.}}">Check {{.}}</button>{{end}}
            <p id="result"></p>
            <h2>Events</h2>
            <ul id="events"></ul>
        </div>
    </div>
</div>
<script>
const list = document.getElementById('events');
function addEvent(e) {
    const li = document.createElement('li');
    li.className = e.type;
    li.textContent = e.timestamp + '  ' + e.class + '  ' + e.confidence.toFixed(2) + '%  (' + e.type + ')';
    list.prepend(li);
    while (list.children.length > {{.Limit}}) list.lastChild.remove();
}
fetch('/get_messages?limit={{.Limit}}').then(r => r.json()).then(d => d.messages.forEach(addEvent));
new EventSource('/events/stream').addEventListener('detection', ev => addEvent(JSON.parse(ev.data)));
document.querySelectorAll('button[data-class]').forEach(btn => btn.addEventListener('click', async () => {
    const res = await fetch('/detect/' + btn.dataset.class, { method: 'POST' });
    const body = await res.json();
    document.getElementById('result').textContent = body.message;
}));
</script>
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, struct {
		OnDemand []string
		Limit    int
	}{
		OnDemand: s.deps.Detector.ClassNames(types.Cooldown),
		Limit:    s.cfg.DefaultLimit,
	})
	if err != nil {
		logger.Warn("API", "render index: %v", err)
	}
}
