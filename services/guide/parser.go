// Package guide parses XMLTV guide documents into channel and program
// records. Parsing is streaming: records are emitted to a sink as their
// elements close, and the program buffer is flushed at a fixed threshold so
// peak memory stays bounded no matter how large the document is.
package guide

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/language"

	"guidecache/models"
)

// ErrInvalidFormat reports a document whose root element is missing or is
// not an XMLTV tv element. It is returned before any records are emitted.
var ErrInvalidFormat = errors.New("invalid guide format: missing tv root element")

const (
	defaultFlushThreshold   = 100000
	defaultProgressInterval = 5 * time.Second
	channelBatchSize        = 1000
	cancelCheckEvery        = 1024
)

// Sink receives completed records from the parser. FlushPrograms is called
// each time the program buffer reaches the flush threshold and once more at
// end of document; the slice is reused afterwards and must not be retained.
type Sink interface {
	FlushChannels(ctx context.Context, channels []models.Channel) error
	FlushPrograms(ctx context.Context, programs []models.Program) error
}

// Options tunes a parse run. Zero values select defaults.
type Options struct {
	// FlushThreshold is the program buffer size that triggers a sink flush.
	FlushThreshold int

	// ProgressInterval is the minimum time between Progress callbacks.
	// Progress is never invoked per-record.
	ProgressInterval time.Duration

	// Progress, when set, receives running channel/program totals.
	Progress func(channels, programs int)
}

// Summary reports the outcome of a parse run.
type Summary struct {
	Channels int
	Programs int
	Dropped  int // malformed records discarded, not fatal
	Elapsed  time.Duration
}

// Parse consumes an XMLTV document from r, emitting records to sink.
// Malformed channels and programs are dropped and counted; a document whose
// root element is absent or unrecognized fails with ErrInvalidFormat.
func Parse(ctx context.Context, r io.Reader, sink Sink, opts Options) (Summary, error) {
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = defaultFlushThreshold
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}

	p := &parser{
		sink:     sink,
		opts:     opts,
		started:  time.Now(),
		programs: make([]models.Program, 0, opts.FlushThreshold),
	}

	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	if err := p.run(ctx, dec); err != nil {
		return p.summary(), err
	}
	return p.summary(), nil
}

type parser struct {
	sink    Sink
	opts    Options
	started time.Time

	rootSeen bool
	stack    []string

	curChannel *models.Channel
	curProgram *programRecord
	capture    bool
	text       strings.Builder
	lang       string

	channels []models.Channel
	programs []models.Program

	channelCount int
	programCount int
	dropped      int

	lastProgress time.Time
}

// programRecord accumulates a programme element before validation.
type programRecord struct {
	channel    string
	start      string
	stop       string
	title      string
	desc       string
	categories []string
}

func (p *parser) run(ctx context.Context, dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !p.rootSeen {
				return ErrInvalidFormat
			}
			return fmt.Errorf("parse guide document: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if err := p.startElement(t); err != nil {
				return err
			}
		case xml.CharData:
			if p.capture {
				p.text.Write(t)
			}
		case xml.EndElement:
			if err := p.endElement(ctx, t); err != nil {
				return err
			}
		}
	}

	if !p.rootSeen {
		return ErrInvalidFormat
	}
	return p.finish(ctx)
}

func (p *parser) startElement(se xml.StartElement) error {
	name := se.Name.Local
	if !p.rootSeen {
		if name != "tv" {
			return ErrInvalidFormat
		}
		p.rootSeen = true
		return nil
	}
	p.stack = append(p.stack, name)

	switch {
	case name == "channel" && len(p.stack) == 1:
		p.curChannel = &models.Channel{ID: attr(se, "id")}
	case name == "programme" && len(p.stack) == 1:
		p.curProgram = &programRecord{
			channel: attr(se, "channel"),
			start:   attr(se, "start"),
			stop:    attr(se, "stop"),
		}
	case p.curChannel != nil && len(p.stack) == 2:
		switch name {
		case "display-name":
			p.beginText(attr(se, "lang"))
		case "icon":
			if p.curChannel.Icon == "" {
				p.curChannel.Icon = attr(se, "src")
			}
		}
	case p.curProgram != nil && len(p.stack) == 2:
		switch name {
		case "title", "desc", "category":
			p.beginText("")
		}
	}
	return nil
}

func (p *parser) endElement(ctx context.Context, ee xml.EndElement) error {
	name := ee.Name.Local
	if len(p.stack) == 0 {
		return nil // closing the root element
	}
	p.stack = p.stack[:len(p.stack)-1]

	switch {
	case p.curChannel != nil && len(p.stack) == 1:
		p.endChannelField(name)
	case p.curProgram != nil && len(p.stack) == 1:
		p.endProgramField(name)
	case name == "channel" && len(p.stack) == 0:
		if err := p.closeChannel(ctx); err != nil {
			return err
		}
	case name == "programme" && len(p.stack) == 0:
		if err := p.closeProgram(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) endChannelField(name string) {
	if name != "display-name" || !p.capture {
		return
	}
	text := strings.TrimSpace(p.text.String())
	p.endText()
	if text == "" {
		return
	}
	p.curChannel.DisplayNames = append(p.curChannel.DisplayNames, models.DisplayName{
		Text: text,
		Lang: normalizeLang(p.lang),
	})
}

func (p *parser) endProgramField(name string) {
	if !p.capture {
		return
	}
	text := strings.TrimSpace(p.text.String())
	p.endText()

	switch name {
	case "title":
		if p.curProgram.title == "" {
			p.curProgram.title = text
		}
	case "desc":
		if p.curProgram.desc == "" {
			p.curProgram.desc = text
		}
	case "category":
		if text != "" {
			p.curProgram.categories = append(p.curProgram.categories, text)
		}
	}
}

func (p *parser) closeChannel(ctx context.Context) error {
	ch := *p.curChannel
	p.curChannel = nil

	if ch.ID == "" {
		p.dropped++
		return nil
	}
	p.channels = append(p.channels, ch)
	p.channelCount++

	if len(p.channels) >= channelBatchSize {
		if err := p.flushChannels(ctx); err != nil {
			return err
		}
	}
	p.reportProgress()
	return nil
}

func (p *parser) closeProgram(ctx context.Context) error {
	rec := p.curProgram
	p.curProgram = nil

	prog, ok := rec.validate()
	if !ok {
		p.dropped++
		return nil
	}
	p.programs = append(p.programs, prog)
	p.programCount++

	if len(p.programs) >= p.opts.FlushThreshold {
		if err := p.flushPrograms(ctx); err != nil {
			return err
		}
	}
	if p.programCount%cancelCheckEvery == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	p.reportProgress()
	return nil
}

// validate converts an accumulated programme record, rejecting records with
// missing attributes, unparseable timestamps, or start after stop.
func (r *programRecord) validate() (models.Program, bool) {
	if r.channel == "" || r.title == "" {
		return models.Program{}, false
	}
	start, err := ParseTimestamp(r.start)
	if err != nil {
		return models.Program{}, false
	}
	stop, err := ParseTimestamp(r.stop)
	if err != nil {
		return models.Program{}, false
	}
	if start.After(stop) {
		return models.Program{}, false
	}
	return models.Program{
		ChannelID:   r.channel,
		Title:       r.title,
		Description: r.desc,
		Start:       start,
		Stop:        stop,
		Categories:  r.categories,
	}, true
}

func (p *parser) flushChannels(ctx context.Context) error {
	if len(p.channels) == 0 {
		return nil
	}
	if err := p.sink.FlushChannels(ctx, p.channels); err != nil {
		return fmt.Errorf("flush channels: %w", err)
	}
	p.channels = p.channels[:0]
	return nil
}

func (p *parser) flushPrograms(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(p.programs) == 0 {
		return nil
	}
	if err := p.sink.FlushPrograms(ctx, p.programs); err != nil {
		return fmt.Errorf("flush programs: %w", err)
	}
	p.programs = p.programs[:0]
	return nil
}

func (p *parser) finish(ctx context.Context) error {
	if err := p.flushChannels(ctx); err != nil {
		return err
	}
	if err := p.flushPrograms(ctx); err != nil {
		return err
	}
	if p.opts.Progress != nil {
		p.opts.Progress(p.channelCount, p.programCount)
	}
	return nil
}

func (p *parser) reportProgress() {
	if p.opts.Progress == nil {
		return
	}
	now := time.Now()
	if now.Sub(p.lastProgress) < p.opts.ProgressInterval {
		return
	}
	p.lastProgress = now
	p.opts.Progress(p.channelCount, p.programCount)
}

func (p *parser) summary() Summary {
	return Summary{
		Channels: p.channelCount,
		Programs: p.programCount,
		Dropped:  p.dropped,
		Elapsed:  time.Since(p.started),
	}
}

func (p *parser) beginText(lang string) {
	p.capture = true
	p.lang = lang
	p.text.Reset()
}

func (p *parser) endText() {
	p.capture = false
	p.text.Reset()
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

// normalizeLang canonicalizes a display-name language tag; unparseable tags
// are kept verbatim.
func normalizeLang(s string) string {
	if s == "" {
		return ""
	}
	tag, err := language.Parse(s)
	if err != nil {
		return s
	}
	return tag.String()
}

// timestampRe matches the XMLTV fixed-width timestamp, fourteen digits with
// an optional zone offset.
var timestampRe = regexp.MustCompile(`^(\d{14})(?:\s*([+-]\d{4}))?$`)

// ParseTimestamp parses an XMLTV timestamp (YYYYMMDDHHMMSS with optional
// ±HHMM offset) into a UTC instant.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	m := timestampRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid guide timestamp: %q", s)
	}

	loc := time.UTC
	if m[2] != "" {
		sign := 1
		if m[2][0] == '-' {
			sign = -1
		}
		var hours, minutes int
		fmt.Sscanf(m[2][1:], "%02d%02d", &hours, &minutes)
		loc = time.FixedZone(m[2], sign*(hours*3600+minutes*60))
	}

	t, err := time.ParseInLocation("20060102150405", m[1], loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
