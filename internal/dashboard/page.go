package dashboard

import "net/http"

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>codeloom</title>
<style>
  :root {
    --bg: #0d1117;
    --surface: #161b22;
    --border: #30363d;
    --text: #e6edf3;
    --text-dim: #8b949e;
    --accent: #58a6ff;
    --green: #3fb950;
    --yellow: #d29922;
    --red: #f85149;
  }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Helvetica, Arial, sans-serif;
    background: var(--bg);
    color: var(--text);
    font-size: 14px;
    line-height: 1.5;
    padding: 16px;
  }
  header {
    display: flex;
    align-items: center;
    justify-content: space-between;
    margin-bottom: 16px;
    padding-bottom: 12px;
    border-bottom: 1px solid var(--border);
  }
  header h1 { font-size: 20px; font-weight: 600; }
  header h1 span { color: var(--accent); }
  .meta { font-size: 12px; color: var(--text-dim); }
  button {
    background: var(--surface);
    color: var(--text);
    border: 1px solid var(--border);
    border-radius: 6px;
    padding: 4px 10px;
    cursor: pointer;
  }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; }
  @media (max-width: 900px) { .grid { grid-template-columns: 1fr; } }
  .card { background: var(--surface); border: 1px solid var(--border); border-radius: 8px; overflow: hidden; }
  .card-header {
    padding: 10px 14px;
    border-bottom: 1px solid var(--border);
    font-weight: 600;
    font-size: 13px;
    text-transform: uppercase;
    letter-spacing: 0.5px;
    color: var(--text-dim);
    display: flex;
    gap: 6px;
  }
  .card-header .count { margin-left: auto; font-size: 11px; }
  .full-width { grid-column: 1 / -1; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th, td { text-align: left; padding: 6px 14px; border-bottom: 1px solid var(--border); }
  th { color: var(--text-dim); font-weight: 500; }
  .state-ready, .outcome-applied { color: var(--green); }
  .state-busy, .state-starting, .outcome-previewed { color: var(--accent); }
  .state-crashed, .outcome-failed, .outcome-rolled_back { color: var(--red); }
  .outcome-partial { color: var(--yellow); }
  .dim { color: var(--text-dim); }
  .empty { padding: 12px 14px; color: var(--text-dim); font-style: italic; }
  .stats { display: flex; gap: 24px; padding: 12px 14px; }
  .stat b { display: block; font-size: 20px; }
</style>
</head>
<body>
<header>
  <h1><span>codeloom</span> runtime</h1>
  <div class="meta"><span id="workspace"></span> &middot; up <span id="uptime">-</span> &middot; <span id="updated"></span>
    <button onclick="restartWorkers()">Restart workers</button></div>
</header>

<div class="grid">
  <div class="card full-width">
    <div class="card-header">Workers <span class="count" id="workers-count">0</span></div>
    <div id="workers"></div>
  </div>
  <div class="card">
    <div class="card-header">Operation queue</div>
    <div class="stats" id="queue"></div>
  </div>
  <div class="card">
    <div class="card-header">Locks <span class="count" id="locks-count">0</span></div>
    <div id="locks"></div>
  </div>
  <div class="card full-width">
    <div class="card-header">Recent plans</div>
    <div id="plans"></div>
  </div>
</div>

<script>
function esc(s) {
  return String(s == null ? '' : s).replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
}

function renderWorkers(workers) {
  document.getElementById('workers-count').textContent = workers.length;
  if (workers.length === 0) {
    document.getElementById('workers').innerHTML = '<div class="empty">No workers configured</div>';
    return;
  }
  document.getElementById('workers').innerHTML = '<table><tr><th>Name</th><th>State</th><th>PID</th><th>Gen</th><th>In flight</th><th>Restarts</th><th>Last output</th><th>Capabilities</th></tr>' +
    workers.map(w => '<tr><td>' + esc(w.name) + ' <span class="dim">' + esc(w.protocol) + '</span></td>' +
      '<td class="state-' + esc(w.state) + '">' + esc(w.state) + '</td>' +
      '<td>' + (w.pid || '-') + '</td><td>' + w.generation + '</td><td>' + w.in_flight + '</td>' +
      '<td>' + w.restarts + (w.consecutive_failures ? ' <span class="dim">(' + w.consecutive_failures + ' failing)</span>' : '') + '</td>' +
      '<td class="dim">' + esc(w.last_output || '-') + '</td>' +
      '<td class="dim">' + esc((w.capabilities || []).join(', ')) + '</td></tr>').join('') + '</table>';
}

function renderQueue(q) {
  document.getElementById('queue').innerHTML = ['queued', 'running', 'completed', 'failed'].map(k =>
    '<div class="stat"><b>' + q[k] + '</b><span class="dim">' + k + '</span></div>').join('') +
    '<div class="stat"><b>' + esc(q.max_wait) + '</b><span class="dim">max wait</span></div>';
}

function renderLocks(locks) {
  document.getElementById('locks-count').textContent = locks.length;
  document.getElementById('locks').innerHTML = locks.length === 0 ? '<div class="empty">No locks held</div>' :
    '<table><tr><th>Key</th><th>Mode</th><th>Holders</th><th>Waiters</th></tr>' +
    locks.map(l => '<tr><td>' + esc(l.key) + '</td><td>' + esc(l.mode) + '</td><td>' + l.holders + '</td><td>' + l.waiters + '</td></tr>').join('') + '</table>';
}

function renderPlans(plans) {
  document.getElementById('plans').innerHTML = !plans || plans.length === 0 ? '<div class="empty">No plans recorded</div>' :
    '<table><tr><th>When</th><th>Plan</th><th>Tool</th><th>Outcome</th><th>Files</th><th>Errors</th></tr>' +
    plans.map(p => '<tr><td class="dim">' + esc(p.age) + '</td><td>' + esc(p.plan_id.slice(0, 8)) + ' <span class="dim">' + esc(p.intent || '') + '</span></td>' +
      '<td>' + esc(p.tool || '') + '</td><td class="outcome-' + esc(p.outcome) + '">' + esc(p.outcome) + '</td>' +
      '<td>' + p.modified_files.length + '</td><td class="dim">' + esc((p.errors || []).join('; ')) + '</td></tr>').join('') + '</table>';
}

async function fetchState() {
  try {
    const s = await (await fetch('/api/state')).json();
    document.getElementById('workspace').textContent = s.workspace;
    document.getElementById('uptime').textContent = s.uptime || '-';
    document.getElementById('updated').textContent = new Date().toLocaleTimeString();
    renderWorkers(s.workers);
    renderQueue(s.queue);
    renderLocks(s.locks);
    const resp = await fetch('/api/plans?limit=20');
    renderPlans(resp.ok ? await resp.json() : []);
  } catch (e) {
    document.getElementById('updated').textContent = 'offline';
  }
}

async function restartWorkers() {
  await fetch('/api/restart-workers', {method: 'POST'});
  fetchState();
}

fetchState();
setInterval(fetchState, 5000);
</script>
</body>
</html>
`
