package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Subscription token field names, in lookup order. 3x-ui reads subId; the
// others come from older panels and hand-edited configs.
var tokenAliases = []string{"subId", "subscription", "sub_id"}

// detailTokenAliases is the wider set accepted when only reading a token
var detailTokenAliases = []string{"subId", "subscription", "sub_id", "subscriptionId", "subscription_token"}

// canonicalTokenField is the only field tokens are written to
const canonicalTokenField = "subId"

// Inbound is a 3x-ui inbound (listener).
//
// Settings and StreamSettings are JSON documents encoded as strings, which is
// how the panel API ships them. The raw object received from the panel is kept
// so an update sends back every field we do not model.
type Inbound struct {
	ID             int    `json:"id"`
	Up             int64  `json:"up"`
	Down           int64  `json:"down"`
	Total          int64  `json:"total"`
	Remark         string `json:"remark"`
	Enable         bool   `json:"enable"`
	ExpiryTime     int64  `json:"expiryTime"`
	Listen         string `json:"listen"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Tag            string `json:"tag"`
	Sniffing       string `json:"sniffing"`

	raw []byte
}

func (in *Inbound) UnmarshalJSON(data []byte) error {
	type plain Inbound
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*in = Inbound(p)
	in.raw = append([]byte(nil), data...)
	return nil
}

func (in Inbound) MarshalJSON() ([]byte, error) {
	type plain Inbound
	if len(in.raw) == 0 {
		return json.Marshal(plain(in))
	}
	return sjson.SetBytes(append([]byte(nil), in.raw...), "settings", in.Settings)
}

// ClientRecords returns the clients declared in the inbound settings
func (in *Inbound) ClientRecords() ([]*ClientRecord, error) {
	if strings.TrimSpace(in.Settings) == "" {
		return nil, nil
	}
	if !gjson.Valid(in.Settings) {
		return nil, fmt.Errorf("inbound %d: settings is not valid JSON", in.ID)
	}

	clients := gjson.Get(in.Settings, "clients")
	if !clients.Exists() || clients.Type == gjson.Null {
		return nil, nil
	}
	if !clients.IsArray() {
		return nil, fmt.Errorf("inbound %d: settings.clients is not an array", in.ID)
	}

	var records []*ClientRecord
	clients.ForEach(func(_, value gjson.Result) bool {
		records = append(records, &ClientRecord{raw: value.Raw})
		return true
	})
	return records, nil
}

// SetClientRecords replaces the client list in the inbound settings,
// leaving the other settings keys untouched
func (in *Inbound) SetClientRecords(records []*ClientRecord) error {
	parts := make([]string, 0, len(records))
	for _, r := range records {
		parts = append(parts, r.raw)
	}

	settings := in.Settings
	if strings.TrimSpace(settings) == "" {
		settings = "{}"
	}

	updated, err := sjson.SetRaw(settings, "clients", "["+strings.Join(parts, ",")+"]")
	if err != nil {
		return fmt.Errorf("set clients: %w", err)
	}
	in.Settings = updated
	return nil
}

// RealityParams are the Reality transport parameters needed to build a link
type RealityParams struct {
	PublicKey   string
	Fingerprint string
	ServerNames []string
	ShortIDs    []string
}

// Reality extracts the Reality parameters from the stream settings.
// ok is false when the public key, server names or short ids are missing.
func (in *Inbound) Reality() (params *RealityParams, ok bool) {
	if !gjson.Valid(in.StreamSettings) {
		return nil, false
	}
	reality := gjson.Get(in.StreamSettings, "realitySettings")
	settings := reality.Get("settings")
	if !settings.Exists() {
		return nil, false
	}

	params = &RealityParams{
		PublicKey:   settings.Get("publicKey").String(),
		Fingerprint: settings.Get("fingerprint").String(),
	}
	for _, v := range reality.Get("serverNames").Array() {
		params.ServerNames = append(params.ServerNames, v.String())
	}
	for _, v := range reality.Get("shortIds").Array() {
		params.ShortIDs = append(params.ShortIDs, v.String())
	}

	if params.PublicKey == "" || len(params.ServerNames) == 0 || len(params.ShortIDs) == 0 {
		return nil, false
	}
	return params, true
}

// ClientRecord is one entry of an inbound's client list. It wraps the raw
// JSON object so fields unknown to us survive a read-modify-write.
type ClientRecord struct {
	raw string
}

type newClientJSON struct {
	ID         string `json:"id"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       int64  `json:"tgId"`
	SubID      string `json:"subId"`
	Reset      int    `json:"reset"`
}

// NewClientRecord builds an enabled client with auto-renew off
func NewClientRecord(id, email, flow string, expiry time.Time, token string) (*ClientRecord, error) {
	data, err := json.Marshal(newClientJSON{
		ID:         id,
		Flow:       flow,
		Email:      email,
		ExpiryTime: expiry.UnixMilli(),
		Enable:     true,
		SubID:      token,
		Reset:      0,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal client: %w", err)
	}
	return &ClientRecord{raw: string(data)}, nil
}

// ParseClientRecord wraps a raw client JSON object
func ParseClientRecord(raw string) (*ClientRecord, error) {
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return nil, fmt.Errorf("client record is not a JSON object")
	}
	return &ClientRecord{raw: raw}, nil
}

func (c *ClientRecord) ID() string    { return gjson.Get(c.raw, "id").String() }
func (c *ClientRecord) Email() string { return gjson.Get(c.raw, "email").String() }
func (c *ClientRecord) Enabled() bool { return gjson.Get(c.raw, "enable").Bool() }
func (c *ClientRecord) Flow() string  { return gjson.Get(c.raw, "flow").String() }
func (c *ClientRecord) Raw() string   { return c.raw }

// ExpiryTime returns the client's expiry; zero when the panel has none set
func (c *ClientRecord) ExpiryTime() time.Time {
	ms := gjson.Get(c.raw, "expiryTime").Int()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// AutoRenew reports whether the panel will reset the client periodically
func (c *ClientRecord) AutoRenew() bool {
	return gjson.Get(c.raw, "reset").Int() > 0
}

// SubscriptionToken returns the first non-empty token among the known aliases
func (c *ClientRecord) SubscriptionToken() string {
	return c.lookup(tokenAliases)
}

// AnySubscriptionToken is SubscriptionToken over the wider read-only alias set
func (c *ClientRecord) AnySubscriptionToken() string {
	return c.lookup(detailTokenAliases)
}

func (c *ClientRecord) lookup(fields []string) string {
	for _, f := range fields {
		if v := gjson.Get(c.raw, f); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func (c *ClientRecord) SetEnabled(enabled bool) error {
	return c.set("enable", enabled)
}

func (c *ClientRecord) SetExpiryTime(t time.Time) error {
	return c.set("expiryTime", t.UnixMilli())
}

// DisableAutoRenew zeroes the panel's periodic reset
func (c *ClientRecord) DisableAutoRenew() error {
	return c.set("reset", 0)
}

// SetSubscriptionToken writes the token to the canonical field
func (c *ClientRecord) SetSubscriptionToken(token string) error {
	return c.set(canonicalTokenField, token)
}

func (c *ClientRecord) set(path string, value interface{}) error {
	updated, err := sjson.Set(c.raw, path, value)
	if err != nil {
		return fmt.Errorf("set client %s: %w", path, err)
	}
	c.raw = updated
	return nil
}

// FindClientByEmail returns the index of the client with the given email, or -1
func FindClientByEmail(records []*ClientRecord, email string) int {
	for i, r := range records {
		if r.Email() == email {
			return i
		}
	}
	return -1
}

// FindClient matches by client id first, then falls back to email since
// panels may reassign ids
func FindClient(records []*ClientRecord, clientID, email string) *ClientRecord {
	if clientID != "" {
		for _, r := range records {
			if r.ID() == clientID {
				return r
			}
		}
	}
	if email != "" {
		for _, r := range records {
			if r.Email() == email {
				return r
			}
		}
	}
	return nil
}
