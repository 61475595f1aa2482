// Package xuitest runs an in-process 3x-ui panel for tests.
package xuitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Reality parameters every inbound added with AddRealityInbound carries
const (
	PublicKey   = "test-public-key"
	Fingerprint = "chrome"
	ServerName  = "google.com"
	ShortID     = "ab12cd34"
)

const sessionCookie = "3x-ui"

// Panel is a fake 3x-ui panel. Inbounds are stored as the raw JSON the
// client last sent, so tests can check that unknown fields survive.
type Panel struct {
	Username string
	Password string

	server *httptest.Server

	mu            sync.Mutex
	inbounds      map[int]string
	order         []int
	sessions      map[string]bool
	rejectLogin   bool
	rejectUpdates bool
	logins        int
	updates       int
	deletes       int
}

// New starts a fake panel that is closed when the test ends
func New(t testing.TB) *Panel {
	t.Helper()

	p := &Panel{
		Username: "admin",
		Password: "secret",
		inbounds: make(map[int]string),
		sessions: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", p.handleLogin)
	mux.HandleFunc("GET /panel/api/inbounds/list", p.authed(p.handleList))
	mux.HandleFunc("GET /panel/api/inbounds/get/{id}", p.authed(p.handleGet))
	mux.HandleFunc("POST /panel/api/inbounds/update/{id}", p.authed(p.handleUpdate))
	mux.HandleFunc("POST /panel/api/inbounds/{id}/delClient/{clientId}", p.authed(p.handleDelClient))

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

// URL returns the panel base URL
func (p *Panel) URL() string {
	return p.server.URL
}

// Close shuts the panel down so further calls fail at the transport level
func (p *Panel) Close() {
	p.server.Close()
}

// AddRealityInbound registers a VLESS+Reality inbound with no clients
func (p *Panel) AddRealityInbound(id, port int) {
	stream := `{"network":"tcp","security":"reality","realitySettings":{"show":false,"dest":"google.com:443",` +
		`"serverNames":["` + ServerName + `","www.google.com"],"privateKey":"private","shortIds":["` + ShortID + `","ffff"],` +
		`"settings":{"publicKey":"` + PublicKey + `","fingerprint":"` + Fingerprint + `","spiderX":"/"}}}`
	p.AddInbound(id, port, stream)
}

// AddInbound registers an inbound with the given stream settings and no clients
func (p *Panel) AddInbound(id, port int, streamSettings string) {
	raw := "{}"
	raw, _ = sjson.Set(raw, "id", id)
	raw, _ = sjson.Set(raw, "up", 0)
	raw, _ = sjson.Set(raw, "down", 0)
	raw, _ = sjson.Set(raw, "total", 0)
	raw, _ = sjson.Set(raw, "remark", fmt.Sprintf("inbound-%d", id))
	raw, _ = sjson.Set(raw, "enable", true)
	raw, _ = sjson.Set(raw, "expiryTime", 0)
	raw, _ = sjson.Set(raw, "listen", "")
	raw, _ = sjson.Set(raw, "port", port)
	raw, _ = sjson.Set(raw, "protocol", "vless")
	raw, _ = sjson.Set(raw, "settings", `{"clients":[],"decryption":"none","fallbacks":[]}`)
	raw, _ = sjson.Set(raw, "streamSettings", streamSettings)
	raw, _ = sjson.Set(raw, "tag", fmt.Sprintf("inbound-%d", port))
	raw, _ = sjson.Set(raw, "sniffing", `{"enabled":true,"destOverride":["http","tls"]}`)
	raw, _ = sjson.SetRaw(raw, "clientStats", "null")

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inbounds[id]; !ok {
		p.order = append(p.order, id)
	}
	p.inbounds[id] = raw
}

// AddClient appends a raw client JSON object to an inbound
func (p *Panel) AddClient(inboundID int, clientJSON string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw := p.inbounds[inboundID]
	settings := gjson.Get(raw, "settings").String()
	settings, _ = sjson.SetRaw(settings, "clients.-1", clientJSON)
	p.inbounds[inboundID], _ = sjson.Set(raw, "settings", settings)
}

// Clients returns the client objects currently stored on an inbound
func (p *Panel) Clients(inboundID int) []gjson.Result {
	return gjson.Get(p.Settings(inboundID), "clients").Array()
}

// Settings returns the raw settings string of an inbound
func (p *Panel) Settings(inboundID int) string {
	return gjson.Get(p.Inbound(inboundID), "settings").String()
}

// Inbound returns the raw inbound object
func (p *Panel) Inbound(inboundID int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inbounds[inboundID]
}

// RejectLogin makes every login answer success=false
func (p *Panel) RejectLogin(reject bool) {
	p.mu.Lock()
	p.rejectLogin = reject
	p.mu.Unlock()
}

// RejectUpdates makes every inbound update answer success=false
func (p *Panel) RejectUpdates(reject bool) {
	p.mu.Lock()
	p.rejectUpdates = reject
	p.mu.Unlock()
}

// Logins returns how many successful logins the panel served
func (p *Panel) Logins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins
}

// Updates returns how many inbound updates were applied
func (p *Panel) Updates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates
}

// Deletes returns how many clients were deleted
func (p *Panel) Deletes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deletes
}

func (p *Panel) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeResult(w, false, "bad form", nil)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rejectLogin || r.PostForm.Get("username") != p.Username || r.PostForm.Get("password") != p.Password {
		writeResult(w, false, "wrong username or password", nil)
		return
	}

	p.logins++
	token := "session-" + strconv.Itoa(p.logins)
	p.sessions[token] = true
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: token, Path: "/"})
	writeResult(w, true, "login success", nil)
}

// authed hides API routes from clients without a session, like the real panel
func (p *Panel) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		p.mu.Lock()
		ok := err == nil && p.sessions[cookie.Value]
		p.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		next(w, r)
	}
}

func (p *Panel) handleList(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	parts := make([]string, 0, len(p.order))
	for _, id := range p.order {
		parts = append(parts, p.inbounds[id])
	}
	p.mu.Unlock()

	writeResult(w, true, "", json.RawMessage("["+strings.Join(parts, ",")+"]"))
}

func (p *Panel) handleGet(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))

	p.mu.Lock()
	raw, ok := p.inbounds[id]
	p.mu.Unlock()

	if !ok {
		writeResult(w, false, "record not found", nil)
		return
	}
	writeResult(w, true, "", json.RawMessage(raw))
}

func (p *Panel) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	body, err := io.ReadAll(r.Body)
	if err != nil || !gjson.ValidBytes(body) {
		writeResult(w, false, "invalid body", nil)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rejectUpdates {
		writeResult(w, false, "update rejected", nil)
		return
	}
	if _, ok := p.inbounds[id]; !ok {
		writeResult(w, false, "record not found", nil)
		return
	}
	if !gjson.Valid(gjson.GetBytes(body, "settings").String()) {
		writeResult(w, false, "settings is not valid JSON", nil)
		return
	}

	p.inbounds[id] = string(body)
	p.updates++
	writeResult(w, true, "inbound updated", nil)
}

func (p *Panel) handleDelClient(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	clientID := r.PathValue("clientId")

	p.mu.Lock()
	defer p.mu.Unlock()

	raw, ok := p.inbounds[id]
	if !ok {
		writeResult(w, false, "record not found", nil)
		return
	}

	settings := gjson.Get(raw, "settings").String()
	clients := gjson.Get(settings, "clients").Array()
	kept := make([]string, 0, len(clients))
	found := false
	for _, c := range clients {
		if c.Get("id").String() == clientID {
			found = true
			continue
		}
		kept = append(kept, c.Raw)
	}
	if !found {
		writeResult(w, false, "client not found", nil)
		return
	}

	settings, _ = sjson.SetRaw(settings, "clients", "["+strings.Join(kept, ",")+"]")
	p.inbounds[id], _ = sjson.Set(raw, "settings", settings)
	p.deletes++
	writeResult(w, true, "client deleted", nil)
}

func writeResult(w http.ResponseWriter, success bool, msg string, obj json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Success bool            `json:"success"`
		Msg     string          `json:"msg"`
		Obj     json.RawMessage `json:"obj"`
	}{success, msg, obj})
}
