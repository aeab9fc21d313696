package main

import (
	"fmt"
	"strings"

	"replog/internal/replog"
)

type peer struct {
	id   replog.ParticipantID
	addr string
}

// parsePeers parses "id=host:port" pairs.
func parsePeers(specs []string) ([]peer, error) {
	seen := make(map[replog.ParticipantID]struct{}, len(specs))
	out := make([]peer, 0, len(specs))
	for _, spec := range specs {
		id, addr, ok := strings.Cut(spec, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=host:port", spec)
		}
		p := peer{id: replog.ParticipantID(id), addr: addr}
		if _, dup := seen[p.id]; dup {
			return nil, fmt.Errorf("duplicate peer %q", id)
		}
		seen[p.id] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}
