package dht

import (
	"encoding/json"
	"os"

	"github.com/bpfs/dht/kbucket"
)

// persistDocument is the JSON document shape from the base specification's
// external-interfaces section: {K, id, nodes: [[id_hex, address, port,
// family, token_hex?, last_response, last_received_query, failed], ...]}.
// Each node row is encoded positionally rather than as a named object so the
// document stays a direct, diffable transliteration of that shape.
type persistDocument struct {
	K     int             `json:"K"`
	ID    string          `json:"id"`
	Nodes [][]interface{} `json:"nodes"`
}

const persistFamilyIPv4 = "4"

// Save writes the routing table to path as the JSON document described in
// the base specification's persistent-state interface.
func (n *Node) Save(path string) error {
	snap := n.rt.Snapshot()
	doc := persistDocument{
		K:     n.cfg.BucketSize,
		ID:    n.id.String(),
		Nodes: make([][]interface{}, 0, len(snap)),
	}
	for _, e := range snap {
		doc.Nodes = append(doc.Nodes, []interface{}{
			e.IDHex, e.Address, e.Port, persistFamilyIPv4,
			e.TokenHex, e.LastResponse, e.LastReceivedQuery, e.Failed,
		})
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Load reads the routing table document written by Save (or conforming to
// the same shape) and repopulates the node's routing table from it. Local
// configuration (K, own ID) is left as constructed; only nodes are loaded.
func (n *Node) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc persistDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}

	entries := make([]kbucket.SnapshotEntry, 0, len(doc.Nodes))
	for _, row := range doc.Nodes {
		e, ok := rowToEntry(row)
		if !ok {
			continue
		}
		entries = append(entries, e)
	}
	n.rt.Load(entries)
	return nil
}

func rowToEntry(row []interface{}) (kbucket.SnapshotEntry, bool) {
	if len(row) < 8 {
		return kbucket.SnapshotEntry{}, false
	}
	idHex, ok := row[0].(string)
	if !ok {
		return kbucket.SnapshotEntry{}, false
	}
	address, _ := row[1].(string)
	port, _ := asUint16(row[2])
	tokenHex, _ := row[4].(string)
	lastResponse, _ := row[5].(string)
	lastReceivedQuery, _ := row[6].(string)
	failed, _ := asInt(row[7])

	return kbucket.SnapshotEntry{
		IDHex:             idHex,
		Address:           address,
		Port:              port,
		TokenHex:          tokenHex,
		LastResponse:      lastResponse,
		LastReceivedQuery: lastReceivedQuery,
		Failed:            failed,
	}, true
}

func asUint16(v interface{}) (uint16, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return uint16(f), true
}

func asInt(v interface{}) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}
