package models

import "time"

// AdminUser represents a user of the operational API.
type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
}

// User is an entry allowed to place inbound calls. List-valued fields are
// stored as the comma separated strings the engine parsers accept.
type User struct {
	ID              int64
	Name            string
	Position        int
	Secret          string // ';' separated, or keystore:<name>
	InKeys          string // ':' separated key names
	AuthMethods     string // "md5,rsa"
	ACL             string
	Contexts        string
	Codecs          string
	CodecPrefs      string
	CodecPolicy     string
	Encryption      string
	ForceEncryption bool
	Trunk           bool
	MaxAuthReq      int
	CallerNum       string
	CallerName      string
	Language        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Peer is a remote party we call, that may register with us, and that we
// may qualify.
type Peer struct {
	ID          int64
	Name        string
	Username    string
	Secret      string
	OutKey      string
	InKeys      string
	AuthMethods string
	Host        string // "dynamic" or host[:port]
	ACL         string
	Context     string
	Codecs      string
	CodecPrefs  string
	CodecPolicy string
	Encryption  string
	Trunk       bool
	QualifyMS   int
	Smoothing   bool
	FreqOKMS    int
	FreqNotOKMS int
	MinExpire   int
	MaxExpire   int
	MailboxMsgs int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Registration is the stored address of a registered dynamic peer.
type Registration struct {
	Peer      string
	Addr      string
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// RegisterClient is a remote registrar we keep a registration with.
type RegisterClient struct {
	ID        int64
	Name      string
	Host      string
	Username  string
	Secret    string
	OutKey    string
	Refresh   int
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
