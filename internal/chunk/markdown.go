package chunk

import (
	"regexp"
	"strings"
)

var mdHeaderPattern = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.+)$`)

// SplitMarkdown splits Markdown text by headers first, running Split within
// each resulting section, so a chunk never silently straddles a heading
// boundary unless the section itself is large enough to need packing.
// Offsets returned are byte offsets into the original text.
func SplitMarkdown(text string, opts Options) []Piece {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	locs := mdHeaderPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return Split(text, opts)
	}

	var pieces []Piece
	sectionStart := 0
	for idx, loc := range locs {
		if loc[0] > sectionStart {
			pieces = append(pieces, splitSection(text, sectionStart, loc[0], opts)...)
		}
		sectionEnd := len(text)
		if idx+1 < len(locs) {
			sectionEnd = locs[idx+1][0]
		}
		pieces = append(pieces, splitSection(text, loc[0], sectionEnd, opts)...)
		sectionStart = sectionEnd
	}

	return pieces
}

func splitSection(text string, start, end int, opts Options) []Piece {
	section := text[start:end]
	if strings.TrimSpace(section) == "" {
		return nil
	}
	sub := Split(section, opts)
	for i := range sub {
		sub[i].Offset += start
	}
	return sub
}
