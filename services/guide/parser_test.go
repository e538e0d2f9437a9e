package guide

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidecache/models"
)

// memSink collects flushed records and the size of each program flush.
type memSink struct {
	channels   []models.Channel
	programs   []models.Program
	flushSizes []int
}

func (m *memSink) FlushChannels(_ context.Context, channels []models.Channel) error {
	m.channels = append(m.channels, channels...)
	return nil
}

func (m *memSink) FlushPrograms(_ context.Context, programs []models.Program) error {
	m.flushSizes = append(m.flushSizes, len(programs))
	m.programs = append(m.programs, programs...)
	return nil
}

const sampleDoc = `<?xml version="1.0" encoding="UTF-8"?>
<tv generator-info-name="test">
  <channel id="espn.us">
    <display-name lang="en">ESPN</display-name>
    <display-name>ESPN HD</display-name>
    <icon src="http://img.example.com/espn.png"/>
  </channel>
  <channel id="Travel.US.-.East.us">
    <display-name>Travel Channel East</display-name>
  </channel>
  <programme channel="espn.us" start="20260823120000 +0000" stop="20260823130000 +0000">
    <title>SportsCenter</title>
    <desc>Daily highlights.</desc>
    <category>Sports</category>
    <category>News</category>
  </programme>
  <programme channel="espn.us" start="20260823130000 -0500" stop="20260823140000 -0500">
    <title>College Football</title>
  </programme>
</tv>`

func TestParseSampleDocument(t *testing.T) {
	sink := &memSink{}
	sum, err := Parse(context.Background(), strings.NewReader(sampleDoc), sink, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Channels)
	assert.Equal(t, 2, sum.Programs)
	assert.Equal(t, 0, sum.Dropped)

	require.Len(t, sink.channels, 2)
	espn := sink.channels[0]
	assert.Equal(t, "espn.us", espn.ID)
	require.Len(t, espn.DisplayNames, 2)
	assert.Equal(t, "ESPN", espn.DisplayNames[0].Text)
	assert.Equal(t, "en", espn.DisplayNames[0].Lang)
	assert.Equal(t, "http://img.example.com/espn.png", espn.Icon)

	require.Len(t, sink.programs, 2)
	p := sink.programs[0]
	assert.Equal(t, "espn.us", p.ChannelID)
	assert.Equal(t, "SportsCenter", p.Title)
	assert.Equal(t, "Daily highlights.", p.Description)
	assert.Equal(t, []string{"Sports", "News"}, p.Categories)
	assert.Equal(t, time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC), p.Start)

	// The -0500 offset normalizes to UTC.
	assert.Equal(t, time.Date(2026, 8, 23, 18, 0, 0, 0, time.UTC), sink.programs[1].Start)
}

func TestParseRejectsWrongRoot(t *testing.T) {
	for name, doc := range map[string]string{
		"other root":  `<guide><channel id="a"/></guide>`,
		"not xml":     `this is not xml at all`,
		"empty input": ``,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(context.Background(), strings.NewReader(doc), &memSink{}, Options{})
			assert.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestParseDropsMalformedRecords(t *testing.T) {
	doc := `<tv>
	  <channel><display-name>No ID</display-name></channel>
	  <channel id="good.ch"><display-name>Good</display-name></channel>
	  <programme channel="good.ch" start="20260823120000" stop="20260823130000"></programme>
	  <programme channel="" start="20260823120000" stop="20260823130000"><title>No Channel</title></programme>
	  <programme channel="good.ch" start="garbage" stop="20260823130000"><title>Bad Start</title></programme>
	  <programme channel="good.ch" start="20260823140000" stop="20260823130000"><title>Backwards</title></programme>
	  <programme channel="good.ch" start="20260823120000" stop="20260823130000"><title>Keeper</title></programme>
	</tv>`

	sink := &memSink{}
	sum, err := Parse(context.Background(), strings.NewReader(doc), sink, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Channels)
	assert.Equal(t, 1, sum.Programs)
	assert.Equal(t, 5, sum.Dropped)
	require.Len(t, sink.programs, 1)
	assert.Equal(t, "Keeper", sink.programs[0].Title)
}

func TestParseFlushesAtThreshold(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<tv><channel id="ch"><display-name>CH</display-name></channel>`)
	for i := 0; i < 5; i++ {
		b.WriteString(`<programme channel="ch" start="20260823120000" stop="20260823130000"><title>P</title></programme>`)
	}
	b.WriteString(`</tv>`)

	sink := &memSink{}
	sum, err := Parse(context.Background(), strings.NewReader(b.String()), sink, Options{FlushThreshold: 2})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Programs)
	assert.Equal(t, []int{2, 2, 1}, sink.flushSizes)
	assert.Len(t, sink.programs, 5)
}

func TestParseHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Parse(ctx, strings.NewReader(sampleDoc), &memSink{}, Options{FlushThreshold: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "20260823120000 +0000", want: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)},
		{in: "20260823120000", want: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)},
		{in: "20260823120000 +0200", want: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)},
		{in: "20260823120000 -0530", want: time.Date(2026, 8, 23, 17, 30, 0, 0, time.UTC)},
		{in: "20260823120000+0100", want: time.Date(2026, 8, 23, 11, 0, 0, 0, time.UTC)},
		{in: "2026082312", wantErr: true},
		{in: "not a timestamp", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseTimestamp(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.True(t, got.Equal(tc.want), "input %q: got %v want %v", tc.in, got, tc.want)
	}
}
