package domain

// DisplaySession is a point-in-time view of a shared virtual-display
// session: its number, streaming port and current consumer count.
type DisplaySession struct {
	Display int `json:"display"`
	Port    int `json:"port"`
	Refs    int `json:"refs"`
}

// ServiceEndpoint maps a logical service to a network address.
type ServiceEndpoint struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}
