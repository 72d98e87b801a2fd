package ops

import (
	"regexp"
	"strings"
)

// Markers framing files and commands inside model output.
const (
	fileStartPrefix = `<<<FILE `
	fileStartSuffix = `>>>`
	fileEndMarker   = `<<<END_FILE>>>`
	cmdStartMarker  = `<<<COMMANDS>>>`
	cmdEndMarker    = `<<<END_COMMANDS>>>`
)

var fileHeaderRe = regexp.MustCompile(`<<<FILE path="([^"]+)"(?: purpose="([^"]*)")?>>>`)

type fileStreamCallbacks struct {
	onFileStart func(path, purpose string)
	onFileChunk func(path, chunk string)
	onFileDone  func(f GenFile)
}

// fileStreamParser incrementally parses marker-delimited files out of
// a token stream. Markers may be split across arbitrary chunk
// boundaries; a tail the length of the longest marker is always held
// back until more input arrives.
type fileStreamParser struct {
	cb fileStreamCallbacks

	buf      strings.Builder
	state    int // 0 outside, 1 in file, 2 in commands
	path     string
	purpose  string
	contents strings.Builder
	commands []string
}

const (
	psOutside = iota
	psInFile
	psInCommands
)

func newFileStreamParser(cb fileStreamCallbacks) *fileStreamParser {
	return &fileStreamParser{cb: cb}
}

// Commands returns the commands collected so far.
func (p *fileStreamParser) Commands() []string { return p.commands }

// Feed consumes one chunk of model output.
func (p *fileStreamParser) Feed(chunk string) {
	p.buf.WriteString(chunk)
	p.process(false)
}

// Finish flushes any held-back input. An unterminated file is closed
// with the contents seen so far.
func (p *fileStreamParser) Finish() {
	p.process(true)
	if p.state == psInFile {
		p.finishFile()
	}
	p.state = psOutside
}

func (p *fileStreamParser) process(final bool) {
	for {
		buf := p.buf.String()
		switch p.state {
		case psOutside:
			if idx := indexAny(buf, fileStartPrefix, cmdStartMarker); idx >= 0 {
				marker := buf[idx:]
				if strings.HasPrefix(marker, cmdStartMarker) {
					p.resetBuf(buf[idx+len(cmdStartMarker):])
					p.state = psInCommands
					continue
				}
				// File header: need the closing >>> before parsing.
				end := strings.Index(marker, fileStartSuffix)
				if end < 0 {
					if final {
						p.resetBuf("")
						return
					}
					// Keep from the marker start; prose before it is
					// discarded.
					p.resetBuf(marker)
					return
				}
				header := marker[:end+len(fileStartSuffix)]
				m := fileHeaderRe.FindStringSubmatch(header)
				rest := marker[end+len(fileStartSuffix):]
				rest = strings.TrimPrefix(rest, "\n")
				p.resetBuf(rest)
				if m == nil {
					// Malformed header; skip it.
					continue
				}
				p.path, p.purpose = m[1], m[2]
				p.contents.Reset()
				p.state = psInFile
				if p.cb.onFileStart != nil {
					p.cb.onFileStart(p.path, p.purpose)
				}
				continue
			}
			// No marker yet. Hold back a potential marker prefix.
			p.holdTail(buf, final)
			return

		case psInFile:
			if idx := strings.Index(buf, fileEndMarker); idx >= 0 {
				body := strings.TrimSuffix(buf[:idx], "\n")
				p.emitChunk(body)
				p.resetBuf(buf[idx+len(fileEndMarker):])
				p.finishFile()
				p.state = psOutside
				continue
			}
			// Emit all but a marker-sized tail (one extra byte so the
			// newline preceding the marker is never emitted early).
			hold := len(fileEndMarker) + 1
			if final {
				hold = 0
			}
			if len(buf) > hold {
				p.emitChunk(buf[:len(buf)-hold])
				p.resetBuf(buf[len(buf)-hold:])
			}
			return

		case psInCommands:
			if idx := strings.Index(buf, cmdEndMarker); idx >= 0 {
				p.collectCommands(buf[:idx])
				p.resetBuf(buf[idx+len(cmdEndMarker):])
				p.state = psOutside
				continue
			}
			if final {
				p.collectCommands(buf)
				p.resetBuf("")
			}
			return
		}
	}
}

func (p *fileStreamParser) emitChunk(s string) {
	if s == "" {
		return
	}
	p.contents.WriteString(s)
	if p.cb.onFileChunk != nil {
		p.cb.onFileChunk(p.path, s)
	}
}

func (p *fileStreamParser) finishFile() {
	f := GenFile{Path: p.path, Contents: p.contents.String(), Purpose: p.purpose}
	p.contents.Reset()
	if p.cb.onFileDone != nil {
		p.cb.onFileDone(f)
	}
}

func (p *fileStreamParser) collectCommands(s string) {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			p.commands = append(p.commands, line)
		}
	}
}

func (p *fileStreamParser) resetBuf(s string) {
	p.buf.Reset()
	p.buf.WriteString(s)
}

// holdTail keeps back any suffix of buf that could be the start of a
// marker.
func (p *fileStreamParser) holdTail(buf string, final bool) {
	if final {
		p.resetBuf("")
		return
	}
	keep := 0
	maxHold := len(buf)
	limit := len(fileStartPrefix) + 128 // header fits comfortably
	if maxHold > limit {
		maxHold = limit
	}
	for n := maxHold; n > 0; n-- {
		tail := buf[len(buf)-n:]
		if strings.HasPrefix(fileStartPrefix, tail) || strings.HasPrefix(cmdStartMarker, tail) ||
			strings.HasPrefix(tail, "<<<FILE ") || strings.HasPrefix(tail, "<<<COMMANDS") {
			keep = n
			break
		}
	}
	p.resetBuf(buf[len(buf)-keep:])
}

func indexAny(s string, subs ...string) int {
	best := -1
	for _, sub := range subs {
		if idx := strings.Index(s, sub); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// parseFileBlocks extracts all files and commands from complete
// (non-streamed) model output.
func parseFileBlocks(text string) ([]GenFile, []string) {
	var files []GenFile

	p := newFileStreamParser(fileStreamCallbacks{
		onFileDone: func(f GenFile) { files = append(files, f) },
	})
	p.Feed(text)
	p.Finish()
	return files, p.Commands()
}
