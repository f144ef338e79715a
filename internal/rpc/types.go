// Package rpc provides the kaspad node client (JSON-RPC over WebSocket),
// the UTXO maturity processor and the wallet-daemon client.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC request frame.
type Request struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// envelope is the inbound frame: a response when ID is set, otherwise a
// subscription notification tagged by method.
type envelope struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ServerInfo is the getServerInfo result.
type ServerInfo struct {
	RPCAPIVersion   []int  `json:"rpcApiVersion"`
	ServerVersion   string `json:"serverVersion"`
	NetworkID       string `json:"networkId"`
	HasUTXOIndex    bool   `json:"hasUtxoIndex"`
	IsSynced        bool   `json:"isSynced"`
	VirtualDAAScore uint64 `json:"virtualDaaScore"`
}

// BlockDAGInfo is the getBlockDagInfo result.
type BlockDAGInfo struct {
	NetworkName     string   `json:"networkName"`
	BlockCount      uint64   `json:"blockCount"`
	TipHashes       []string `json:"tipHashes"`
	VirtualDAAScore uint64   `json:"virtualDaaScore"`
	PruningPoint    string   `json:"pruningPointHash"`
}

// Block is a kaspad block as carried over RPC. The pool treats the body
// as opaque apart from the header and coinbase outputs.
type Block struct {
	Header       BlockHeader        `json:"header"`
	Transactions []Transaction      `json:"transactions"`
	VerboseData  *BlockVerboseData  `json:"verboseData,omitempty"`
}

// BlockHeader is the block header portion of a template or block.
type BlockHeader struct {
	Version              uint16        `json:"version"`
	Parents              []ParentLevel `json:"parents"`
	HashMerkleRoot       string        `json:"hashMerkleRoot"`
	AcceptedIDMerkleRoot string        `json:"acceptedIdMerkleRoot"`
	UTXOCommitment       string        `json:"utxoCommitment"`
	Timestamp            int64         `json:"timestamp"`
	Bits                 uint32        `json:"bits"`
	Nonce                uint64        `json:"nonce"`
	DAAScore             uint64        `json:"daaScore"`
	BlueScore            uint64        `json:"blueScore"`
	BlueWork             string        `json:"blueWork"`
	PruningPoint         string        `json:"pruningPoint"`
}

// ParentLevel is one level of the header parent matrix.
type ParentLevel struct {
	ParentHashes []string `json:"parentHashes"`
}

// BlockVerboseData carries the node-computed block hash and chain flags.
type BlockVerboseData struct {
	Hash                string  `json:"hash"`
	Difficulty          float64 `json:"difficulty"`
	IsChainBlock        bool    `json:"isChainBlock"`
	IsHeaderOnly        bool    `json:"isHeaderOnly"`
	BlueScore           uint64  `json:"blueScore"`
	SelectedParentHash  string  `json:"selectedParentHash"`
	TransactionIDs      []string `json:"transactionIds"`
}

// Transaction is a kaspad transaction over RPC.
type Transaction struct {
	Version     uint16              `json:"version"`
	Inputs      []TransactionInput  `json:"inputs"`
	Outputs     []TransactionOutput `json:"outputs"`
	LockTime    uint64              `json:"lockTime"`
	SubnetworkID string             `json:"subnetworkId"`
	Gas         uint64              `json:"gas"`
	Payload     string              `json:"payload"`
	VerboseData *TxVerboseData      `json:"verboseData,omitempty"`
}

// TransactionInput is a transaction input over RPC.
type TransactionInput struct {
	PreviousOutpoint Outpoint `json:"previousOutpoint"`
	SignatureScript  string   `json:"signatureScript"`
	Sequence         uint64   `json:"sequence"`
	SigOpCount       uint8    `json:"sigOpCount"`
}

// TransactionOutput is a transaction output over RPC.
type TransactionOutput struct {
	Amount          uint64           `json:"amount"`
	ScriptPublicKey ScriptPublicKey  `json:"scriptPublicKey"`
	VerboseData     *TxOutVerboseData `json:"verboseData,omitempty"`
}

// ScriptPublicKey is a versioned locking script.
type ScriptPublicKey struct {
	Version uint16 `json:"version"`
	Script  string `json:"scriptPublicKey"`
}

// TxVerboseData carries the node-computed transaction ID.
type TxVerboseData struct {
	TransactionID string `json:"transactionId"`
	Hash          string `json:"hash"`
	BlockHash     string `json:"blockHash"`
	BlockTime     int64  `json:"blockTime"`
}

// TxOutVerboseData carries the decoded destination of an output.
type TxOutVerboseData struct {
	ScriptPublicKeyType    string `json:"scriptPublicKeyType"`
	ScriptPublicKeyAddress string `json:"scriptPublicKeyAddress"`
}

// Outpoint identifies a transaction output.
type Outpoint struct {
	TransactionID string `json:"transactionId"`
	Index         uint32 `json:"index"`
}

// UTXOEntry is the spendable portion of a UTXO-by-address entry.
type UTXOEntry struct {
	Amount          uint64          `json:"amount"`
	ScriptPublicKey ScriptPublicKey `json:"scriptPublicKey"`
	BlockDAAScore   uint64          `json:"blockDaaScore"`
	IsCoinbase      bool            `json:"isCoinbase"`
}

// UTXOPair is one entry of a getUtxosByAddresses result.
type UTXOPair struct {
	Address   string    `json:"address"`
	Outpoint  Outpoint  `json:"outpoint"`
	UTXOEntry UTXOEntry `json:"utxoEntry"`
}

// FeeEstimate is the getFeeEstimate result, reduced to the buckets the
// treasury uses.
type FeeEstimate struct {
	PriorityBucket FeeBucket   `json:"priorityBucket"`
	NormalBuckets  []FeeBucket `json:"normalBuckets"`
	LowBuckets     []FeeBucket `json:"lowBuckets"`
}

// FeeBucket is one feerate bucket of a fee estimate.
type FeeBucket struct {
	Feerate          float64 `json:"feerate"`
	EstimatedSeconds float64 `json:"estimatedSeconds"`
}

// SubmitBlockReport is the submitBlock result.
type SubmitBlockReport struct {
	Report struct {
		Type   string `json:"type"` // success or reject
		Reason string `json:"reason,omitempty"`
	} `json:"report"`
}
