// Package control exposes the proxy registry to a controlling
// application over a websocket carrying JSON messages.
package control

// Request types sent by the controlling application.
const (
	TypeOpenTCP     = "open-tcp-request"
	TypeCloseTCP    = "close-tcp-request"
	TypeOpenSerial  = "open-serial-request"
	TypeCloseSerial = "close-serial-request"
)

// Notification types sent to the controlling application.
const (
	TypeNotifyConnect    = "notify-connect"
	TypeNotifyTCPOpen    = "notify-tcp-open"
	TypeNotifySerialOpen = "notify-serial-open"
	TypeNotifyData       = "notify-data"
)

// Request is one control command.  TCP requests carry TCPID and TCP,
// serial requests carry PortID and Port.
//
//	{"type":"open-tcp-request","tcpId":"p1","proxyIp":"127.0.0.1",
//	 "tcp":{"port":9000,"endPoint":"10.0.0.5:502"}}
type Request struct {
	Type    string        `json:"type"`
	TCPID   string        `json:"tcpId,omitempty"`
	PortID  string        `json:"portId,omitempty"`
	ProxyIP string        `json:"proxyIp,omitempty"`
	TCP     *TCPParams    `json:"tcp,omitempty"`
	Port    *SerialParams `json:"port,omitempty"`
}

type TCPParams struct {
	Port     int    `json:"port"`
	EndPoint string `json:"endPoint"`
}

type SerialParams struct {
	Port   int    `json:"port"`
	Device string `json:"device"`
}

// Notification is one state change of a proxy.  Only the fields that
// belong to Type are set.
type Notification struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Connected *bool  `json:"connected,omitempty"`
	Opened    *bool  `json:"opened,omitempty"`
	Received  *int64 `json:"received,omitempty"`
	Sent      *int64 `json:"sent,omitempty"`
}

func connectNote(id string, connected bool) Notification {
	return Notification{Type: TypeNotifyConnect, ID: id, Connected: &connected}
}

func tcpOpenNote(id string, opened bool) Notification {
	return Notification{Type: TypeNotifyTCPOpen, ID: id, Opened: &opened}
}

func serialOpenNote(id string) Notification {
	return Notification{Type: TypeNotifySerialOpen, ID: id}
}

func dataNote(id string, received, sent int64) Notification {
	return Notification{Type: TypeNotifyData, ID: id, Received: &received, Sent: &sent}
}
