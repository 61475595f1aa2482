package models

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultFlow is the XTLS flow used for every VLESS client we create
const DefaultFlow = "xtls-rprx-vision"

// ConnectionDescriptor is everything a VLESS+Reality client needs to connect
// to one host
type ConnectionDescriptor struct {
	HostName    string `json:"host_name"`
	ClientID    string `json:"client_id"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
	ServerName  string `json:"server_name"`
	ShortID     string `json:"short_id"`
	Flow        string `json:"flow"`
	Remark      string `json:"remark"`
}

// URI renders the descriptor as a vless:// share link
func (d *ConnectionDescriptor) URI() string {
	flow := d.Flow
	if flow == "" {
		flow = DefaultFlow
	}
	return fmt.Sprintf(
		"vless://%s@%s:%d?type=tcp&security=reality&pbk=%s&fp=%s&sni=%s&sid=%s&spx=%%2F&flow=%s#%s",
		d.ClientID, d.Address, d.Port,
		d.PublicKey, d.Fingerprint, d.ServerName, d.ShortID, flow,
		url.PathEscape(d.Remark),
	)
}

// RemarkForHost derives the link remark shown in client apps from a host name
func RemarkForHost(hostName string) string {
	if hostName == "" {
		return "server"
	}
	return strings.ReplaceAll(hostName, " ", "-")
}
