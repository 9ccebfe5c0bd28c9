package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/vadiminshakov/fundarb/internal/domain"
	"github.com/vadiminshakov/fundarb/internal/services/spreadstats"
	"github.com/vadiminshakov/fundarb/internal/storage/journal"
)

const journalPollInterval = 2 * time.Second

type positionReader interface {
	ActivePositions() []domain.ArbitragePosition
}

type opportunityReader interface {
	Opportunities() ([]domain.Opportunity, time.Time)
	StartedAt() time.Time
}

type journalReader interface {
	EventsAfter(index uint64) ([]journal.Record, error)
}

type spreadReader interface {
	Snapshot() []spreadstats.Stats
}

// Server exposes read-only JSON snapshots of the engine state, the HTML
// dashboard, and an SSE stream of journal events.
type Server struct {
	Addr      string
	Positions positionReader
	Engine    opportunityReader
	Journal   journalReader
	Spreads   spreadReader
}

func NewServer(addr string, positions positionReader, engine opportunityReader, jr journalReader, spreads spreadReader) *Server {
	return &Server{Addr: addr, Positions: positions, Engine: engine, Journal: jr, Spreads: spreads}
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.HandleFunc("/opportunities", s.handleOpportunities)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/journal/stream", s.handleJournalStream)

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("response encode: %v", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.Positions == nil {
		http.Error(w, "position manager not available", http.StatusServiceUnavailable)
		return
	}

	positions := s.Positions.ActivePositions()
	writeJSON(w, map[string]any{
		"count":     len(positions),
		"positions": positions,
	})
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil {
		http.Error(w, "engine not available", http.StatusServiceUnavailable)
		return
	}

	opps, scannedAt := s.Engine.Opportunities()
	payload := map[string]any{
		"scanned_at":    scannedAt,
		"opportunities": opps,
	}
	if s.Spreads != nil {
		payload["spread_stats"] = s.Spreads.Snapshot()
	}
	writeJSON(w, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.Engine != nil {
		startedAt := s.Engine.StartedAt()
		if !startedAt.IsZero() {
			status["uptime"] = time.Since(startedAt).String()
		}
		_, scannedAt := s.Engine.Opportunities()
		if !scannedAt.IsZero() {
			status["last_scan_at"] = scannedAt
		}
	}
	if s.Positions != nil {
		status["active_positions"] = len(s.Positions.ActivePositions())
	}
	writeJSON(w, status)
}

func (s *Server) handleJournalStream(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "journal not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// send a comment heartbeat every 30s so proxies keep connection
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(journalPollInterval)
	defer pollTicker.Stop()

	lastIndex := uint64(0)
	sendEvents := func() error {
		records, err := s.Journal.EventsAfter(lastIndex)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Event)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "event: position\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			lastIndex = record.Index
		}
		return nil
	}

	if err := sendEvents(); err != nil {
		http.Error(w, "failed to load journal", http.StatusInternalServerError)
		log.Printf("journal stream initial load: %v", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendEvents(); err != nil {
				log.Printf("journal stream poll err: %v", err)
			}
		}
	}
}

// Minimal operator dashboard: positions table, ranked opportunities and a
// live journal feed.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>fundarb</title>
  <link rel="preconnect" href="https://fonts.googleapis.com">
  <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
  <link href="https://fonts.googleapis.com/css2?family=Press+Start+2P&family=Space+Mono:wght@400;700&display=swap" rel="stylesheet">
  <style>
    :root {
      --bg:#ffffff;
      --ink:#111111;
      --ink-mid:#4d4d4d;
      --ink-soft:#9c9c9c;
      --panel:#f6f6f6;
    }
    * { box-sizing:border-box; }
    body {
      margin:0;
      min-height:100vh;
      padding:2rem;
      background:var(--bg);
      color:var(--ink);
      font-family:'Space Mono','JetBrains Mono',monospace;
    }
    #app {
      width:min(1400px, 96vw);
      margin:0 auto;
      background:var(--panel);
      border:3px solid var(--ink);
      padding:2rem;
      box-shadow:12px 12px 0 rgba(0,0,0,.15);
      display:grid;
      grid-template-columns:1fr 380px;
      gap:2rem;
    }
    .main { display:flex; flex-direction:column; gap:2rem; }
    header { display:flex; justify-content:space-between; align-items:flex-start; gap:1rem; }
    .eyebrow {
      font-family:'Press Start 2P','Space Mono',monospace;
      font-size:.55rem;
      text-transform:uppercase;
      letter-spacing:.2em;
      margin:0;
    }
    .status {
      font-size:.65rem;
      text-transform:uppercase;
      letter-spacing:.1em;
      border:2px solid var(--ink);
      padding:.4rem .9rem;
      background:#ffffff;
      box-shadow:4px 4px 0 rgba(0,0,0,.15);
    }
    .panel {
      border:3px solid var(--ink);
      padding:1.5rem;
      background:#fff;
      box-shadow:8px 8px 0 rgba(0,0,0,.15);
    }
    .panel h2 {
      font-family:'Press Start 2P','Space Mono',monospace;
      font-size:.65rem;
      text-transform:uppercase;
      letter-spacing:.15em;
      margin:0 0 1rem;
    }
    table { width:100%; border-collapse:collapse; font-size:.7rem; }
    th, td { text-align:left; padding:.4rem .6rem; border-bottom:1px dashed var(--ink-soft); }
    th { text-transform:uppercase; letter-spacing:.1em; font-size:.6rem; color:var(--ink-mid); }
    .empty { color:var(--ink-mid); font-size:.7rem; text-transform:uppercase; letter-spacing:.12em; padding:1rem 0; }
    .feed { display:flex; flex-direction:column; gap:.8rem; max-height:calc(100vh - 8rem); overflow-y:auto; }
    .event-card {
      border:2px solid var(--ink);
      padding:.8rem;
      background:#fff;
      box-shadow:4px 4px 0 rgba(0,0,0,.12);
      font-size:.65rem;
      line-height:1.4;
    }
    .event-kind { font-weight:700; text-transform:uppercase; letter-spacing:.1em; }
    .event-kind.closed { color:#1b9aaa; }
    .event-kind.failed, .event-kind.unwind { color:#d7263d; }
    .event-kind.opened, .event-kind.activated { color:#3c91e6; }
    .event-note { margin-top:.4rem; color:var(--ink-mid); font-style:italic; }
    @media (max-width:900px) { #app { grid-template-columns:1fr; } }
  </style>
</head>
<body>
  <div id="app">
    <div class="main">
      <header>
        <p class="eyebrow">fundarb dashboard</p>
        <div id="sse-status" class="status">Connecting…</div>
      </header>
      <section class="panel">
        <h2>Active positions</h2>
        <table>
          <thead><tr><th>Symbol</th><th>Long</th><th>Short</th><th>Entry spread/h</th><th>Funding PnL</th><th>Fees</th><th>State</th></tr></thead>
          <tbody id="positions"></tbody>
        </table>
        <div id="positionsEmpty" class="empty">No open positions</div>
      </section>
      <section class="panel">
        <h2>Opportunities</h2>
        <table>
          <thead><tr><th>Symbol</th><th>Long</th><th>Short</th><th>Spread/h</th><th>Entry cost</th></tr></thead>
          <tbody id="opps"></tbody>
        </table>
        <div id="oppsEmpty" class="empty">Waiting for scan…</div>
      </section>
    </div>
    <aside class="feed">
      <section class="panel">
        <h2>Journal</h2>
        <div id="events"></div>
      </section>
    </aside>
  </div>
<script>
const statusEl = document.getElementById('sse-status');
const eventsEl = document.getElementById('events');
const MAX_EVENTS = 50;

function cell(text){
  const td = document.createElement('td');
  td.textContent = text === undefined || text === null ? '—' : String(text);
  return td;
}

function renderRows(tbodyId, emptyId, rows, build){
  const tbody = document.getElementById(tbodyId);
  const empty = document.getElementById(emptyId);
  tbody.replaceChildren();
  if(!rows || rows.length === 0){
    empty.style.display = '';
    return;
  }
  empty.style.display = 'none';
  for(const row of rows){
    tbody.appendChild(build(row));
  }
}

async function refresh(){
  try{
    const [posRes, oppRes] = await Promise.all([fetch('/positions'), fetch('/opportunities')]);
    const pos = await posRes.json();
    const opp = await oppRes.json();

    renderRows('positions', 'positionsEmpty', pos.positions, (p) => {
      const tr = document.createElement('tr');
      tr.append(cell(p.symbol), cell(p.long_venue), cell(p.short_venue),
        cell(p.entry_spread_per_hour), cell(p.cumulative_funding_pnl),
        cell(p.cumulative_fees), cell(p.state));
      return tr;
    });

    renderRows('opps', 'oppsEmpty', opp.opportunities, (o) => {
      const tr = document.createElement('tr');
      tr.append(cell(o.symbol), cell(o.long_venue), cell(o.short_venue),
        cell(o.spread_per_hour), cell(o.estimated_entry_cost));
      return tr;
    });
  }catch(err){
    console.error('refresh', err);
  }
}

function eventCard(event){
  const card = document.createElement('div');
  card.className = 'event-card';

  const kind = document.createElement('div');
  kind.className = 'event-kind ' + event.kind;
  kind.textContent = event.kind.replace(/_/g, ' ');
  card.appendChild(kind);

  if(event.position && event.position.symbol){
    const sym = document.createElement('div');
    sym.textContent = event.position.symbol + ' (' + event.position.long_venue + ' / ' + event.position.short_venue + ')';
    card.appendChild(sym);
  }

  if(event.note){
    const note = document.createElement('div');
    note.className = 'event-note';
    note.textContent = event.note;
    card.appendChild(note);
  }

  return card;
}

function connectSSE(){
  const source = new EventSource('/journal/stream');
  statusEl.textContent = 'Status: receiving data';
  source.addEventListener('position', (ev) => {
    try{
      const event = JSON.parse(ev.data);
      eventsEl.insertBefore(eventCard(event), eventsEl.firstChild);
      while(eventsEl.children.length > MAX_EVENTS){
        eventsEl.removeChild(eventsEl.lastChild);
      }
    }catch(err){
      console.error('event parse', err);
    }
  });
  source.addEventListener('error', () => {
    statusEl.textContent = 'Reconnecting…';
    source.close();
    setTimeout(connectSSE, 2000);
  });
}

refresh();
setInterval(refresh, 5000);
connectSSE();
</script>
</body>
</html>`
