package replication

import "github.com/dd0wney/cluso-ha/pkg/cluster"

// HandshakeRequest opens every channel. Target lets the server refuse a
// dial that reached the wrong instance after an address change.
type HandshakeRequest struct {
	From    cluster.InstanceID `json:"from"`
	Target  cluster.InstanceID `json:"target"`
	Version string             `json:"version"`
}

// HandshakeResponse is sent by the server side of a channel.
type HandshakeResponse struct {
	Server       cluster.InstanceID `json:"server"`
	Version      string             `json:"version"`
	Accepted     bool               `json:"accepted"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// PingResponse reports the responder's view of itself.
type PingResponse struct {
	ID       cluster.InstanceID `json:"id"`
	Role     cluster.Role       `json:"role"`
	Term     uint64             `json:"term"`
	LastTxID TxID               `json:"last_tx_id"`
}

// HighestTxResponse describes the retained range on the master.
type HighestTxResponse struct {
	Master  cluster.InstanceID `json:"master"`
	Highest TxID               `json:"highest"`
	Lowest  TxID               `json:"lowest"`
}

// TxRangeRequest asks for records From..To inclusive.
type TxRangeRequest struct {
	From TxID `json:"from"`
	To   TxID `json:"to"`
}

// TxRangeResponse carries the records, in id order.
type TxRangeResponse struct {
	Records []TransactionRecord `json:"records"`
}

// ChecksumRequest asks for the checksum of one transaction.
type ChecksumRequest struct {
	TxID TxID `json:"tx_id"`
}

// ChecksumResponse answers a ChecksumRequest. Found is false when the id is
// outside the retained range.
type ChecksumResponse struct {
	TxID     TxID   `json:"tx_id"`
	Checksum uint32 `json:"checksum"`
	Found    bool   `json:"found"`
	Lowest   TxID   `json:"lowest"`
	Highest  TxID   `json:"highest"`
}

// SnapshotResponse precedes the snapshot byte stream.
type SnapshotResponse struct {
	Snapshot Snapshot `json:"snapshot"`
}

// PushRequest carries one freshly committed transaction to a slave.
type PushRequest struct {
	Master cluster.InstanceID `json:"master"`
	Record TransactionRecord  `json:"record"`
}

// PushResponse reports whether the slave applied the record.
type PushResponse struct {
	Applied bool `json:"applied"`
	Highest TxID `json:"highest"`
}

// ErrorMessage reports errors
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
