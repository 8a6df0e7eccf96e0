package narinfo

import (
	"strconv"
	"strings"
)

// NarInfo is the record served for a store path. NarHash carries the
// "sha256:<base32>" form; References and Deriver are basenames. The served
// archive is uncompressed, so the File* fields mirror the Nar* fields.
type NarInfo struct {
	StorePath   string   `json:"store_path"`
	URL         string   `json:"url"`
	Compression string   `json:"compression"`
	NarHash     string   `json:"nar_hash"`
	NarSize     uint64   `json:"nar_size"`
	References  []string `json:"references"`
	Deriver     string   `json:"deriver,omitempty"`
	Sigs        []string `json:"sigs"`
	CA          string   `json:"ca,omitempty"`
}

// Text renders the canonical narinfo line format. The line order and the
// trailing newline on every line are part of the external contract.
func (ni *NarInfo) Text() string {
	narSize := strconv.FormatUint(ni.NarSize, 10)

	var b strings.Builder
	b.WriteString("StorePath: ")
	b.WriteString(ni.StorePath)
	b.WriteString("\nURL: ")
	b.WriteString(ni.URL)
	b.WriteString("\nCompression: ")
	b.WriteString(ni.Compression)
	b.WriteString("\nFileHash: ")
	b.WriteString(ni.NarHash)
	b.WriteString("\nFileSize: ")
	b.WriteString(narSize)
	b.WriteString("\nNarHash: ")
	b.WriteString(ni.NarHash)
	b.WriteString("\nNarSize: ")
	b.WriteString(narSize)
	b.WriteString("\n")

	if len(ni.References) > 0 {
		b.WriteString("References: ")
		b.WriteString(strings.Join(ni.References, " "))
		b.WriteString("\n")
	}
	if ni.Deriver != "" {
		b.WriteString("Deriver: ")
		b.WriteString(ni.Deriver)
		b.WriteString("\n")
	}
	for _, sig := range ni.Sigs {
		b.WriteString("Sig: ")
		b.WriteString(sig)
		b.WriteString("\n")
	}
	if ni.CA != "" {
		b.WriteString("CA: ")
		b.WriteString(ni.CA)
		b.WriteString("\n")
	}
	return b.String()
}
