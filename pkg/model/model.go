// Package model holds the core wire-level data types shared by the customer
// and supplier sides: signed packets, encrypted blocks and the identifier
// grammar used to route them.
package model

// Command is the type tag of a signed packet.
type Command string

const (
	CmdData         Command = "Data"
	CmdAck          Command = "Ack"
	CmdFail         Command = "Fail"
	CmdRetrieve     Command = "Retrieve"
	CmdDeleteFile   Command = "DeleteFile"
	CmdDeleteBackup Command = "DeleteBackup"
	CmdListFiles    Command = "ListFiles"
	CmdFiles        Command = "Files"
	CmdEvent        Command = "Event"
	CmdMessage      Command = "Message"
	CmdIdentity     Command = "Identity"
)

// Packet is a signed, typed message between two peers. The signature covers
// every field except Signature itself, see packetcodec.
type Packet struct {
	Version   int     `json:"v"`
	Command   Command `json:"cmd"`
	OwnerID   string  `json:"owner"`
	CreatorID string  `json:"creator"`
	PacketID  string  `json:"pid"`
	Payload   []byte  `json:"payload"`
	RemoteID  string  `json:"remote"`
	Signature []byte  `json:"sig"`
}

// Block is the unit of encryption on the backup stream. Fragments of one
// block share the session key; the key travels wrapped under the recipient
// public key.
type Block struct {
	Version        int    `json:"v"`
	CreatorID      string `json:"creator"`
	BackupID       string `json:"backup"`
	BlockNumber    int    `json:"block"`
	SessionKey     []byte `json:"skey"`
	SessionKeyType string `json:"skeytype"`
	LastBlock      bool   `json:"last"`
	Length         int    `json:"length"`
	EncryptedData  []byte `json:"data"`
	Signature      []byte `json:"sig"`
}

// SessionKeyTypeAES256 is the only session key type currently produced.
const SessionKeyTypeAES256 = "aes-256-gcm"

// FragmentRole distinguishes data pieces from parity pieces of one block.
type FragmentRole string

const (
	RoleData   FragmentRole = "Data"
	RoleParity FragmentRole = "Parity"
)

// DeliveryStatus is the terminal state of one throttled transfer.
type DeliveryStatus int

const (
	StatusDelivered DeliveryStatus = iota
	StatusReceived
	StatusFailed
	StatusCancelled
	StatusTimeout
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusReceived:
		return "received"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimeout:
		return "timeout"
	}
	return "unknown"
}
