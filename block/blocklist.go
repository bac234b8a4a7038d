package block

import (
	"encoding/xml"
	"fmt"
)

type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

// BlockListBody returns the commit body listing the encoded ids in the given order.
// Callers pass ids in block index order; completion order must never leak into the list.
func BlockListBody(encodedIDs []string) ([]byte, error) {
	body, err := xml.Marshal(blockList{Latest: encodedIDs})
	if err != nil {
		return nil, fmt.Errorf("marshal block list: %w", err)
	}

	return append([]byte(`<?xml version="1.0" encoding="utf-8"?>`), body...), nil
}
