package transcribe

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Assumed byte rate (128 kbps CBR) for container formats without a frame
// index we can scan. Court recorders produce constant-bitrate streams, so
// time-proportional byte windows stay decodable in practice.
const fallbackBytesPerSecond = 16 * 1024

// span is a [start,end) time window within the recording.
type span struct {
	start time.Duration
	end   time.Duration
}

// timeWindows cuts [0,total) into windows of dur with overlap seconds of
// leading overlap on every window but the first.
func timeWindows(total, dur, overlap time.Duration) []span {
	if total <= 0 || dur <= 0 {
		return nil
	}
	if overlap >= dur {
		overlap = 0
	}
	var out []span
	for cursor := time.Duration(0); cursor < total; cursor += dur {
		start := cursor
		if start > 0 {
			start -= overlap
		}
		end := cursor + dur
		if end > total {
			end = total
		}
		out = append(out, span{start: start, end: end})
	}
	return out
}

// splitAudio cuts audio into transcription windows. WAV is sliced
// sample-accurately, MP3 at frame boundaries; other formats fall back to
// byte-rate windows.
func splitAudio(data []byte, filename string, dur, overlap time.Duration) ([][]byte, error) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "wav":
		return splitWAV(data, dur, overlap)
	case "mp3":
		return splitMP3(data, dur, overlap)
	default:
		return splitByteRate(data, dur, overlap), nil
	}
}

// --- WAV ---

func splitWAV(data []byte, dur, overlap time.Duration) ([][]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return splitByteRate(data, dur, overlap), nil
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate == 0 || len(buf.Data) == 0 {
		return nil, fmt.Errorf("decoding wav: empty stream")
	}

	rate := buf.Format.SampleRate
	channels := buf.Format.NumChannels
	framesTotal := len(buf.Data) / channels
	total := time.Duration(framesTotal) * time.Second / time.Duration(rate)

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}

	var out [][]byte
	for _, w := range timeWindows(total, dur, overlap) {
		startFrame := int(w.start * time.Duration(rate) / time.Second)
		endFrame := int(w.end * time.Duration(rate) / time.Second)
		if endFrame > framesTotal {
			endFrame = framesTotal
		}
		slice := buf.Data[startFrame*channels : endFrame*channels]

		chunk, err := encodeWAV(slice, buf.Format, bitDepth)
		if err != nil {
			return nil, fmt.Errorf("encoding wav window: %w", err)
		}
		out = append(out, chunk)
	}
	return out, nil
}

func encodeWAV(samples []int, format *audio.Format, bitDepth int) ([]byte, error) {
	var ws memWriteSeeker
	enc := wav.NewEncoder(&ws, format.SampleRate, bitDepth, format.NumChannels, 1)
	if err := enc.Write(&audio.IntBuffer{Data: samples, Format: format, SourceBitDepth: bitDepth}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

// memWriteSeeker is the in-memory io.WriteSeeker the wav encoder needs to
// patch RIFF sizes on Close.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if need := m.pos + len(p); need > len(m.buf) {
		if need > cap(m.buf) {
			grown := make([]byte, need, need*2)
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:need]
		}
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int
	switch whence {
	case io.SeekStart:
		abs = int(offset)
	case io.SeekCurrent:
		abs = m.pos + int(offset)
	case io.SeekEnd:
		abs = len(m.buf) + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	m.pos = abs
	return int64(abs), nil
}

// --- MP3 ---

var (
	mp3BitratesV1 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320}
	mp3BitratesV2 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160}
	mp3Rates      = map[byte][3]int{
		3: {44100, 48000, 32000}, // MPEG1
		2: {22050, 24000, 16000}, // MPEG2
		0: {11025, 12000, 8000},  // MPEG2.5
	}
)

// mp3Frame records a frame's byte offset and the stream time at which it
// starts.
type mp3Frame struct {
	offset int
	at     time.Duration
}

// scanMP3Frames walks MPEG Layer III frame headers, returning each frame's
// offset and start time plus the total duration.
func scanMP3Frames(data []byte) ([]mp3Frame, time.Duration) {
	i := 0
	// Skip a leading ID3v2 tag.
	if len(data) > 10 && bytes.HasPrefix(data, []byte("ID3")) {
		size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
		i = 10 + size
	}

	var frames []mp3Frame
	var at time.Duration
	for i+4 <= len(data) {
		if data[i] != 0xFF || data[i+1]&0xE0 != 0xE0 {
			i++
			continue
		}
		version := (data[i+1] >> 3) & 0x03
		layer := (data[i+1] >> 1) & 0x03
		if version == 1 || layer != 1 { // reserved version, or not Layer III
			i++
			continue
		}
		bitrateIdx := (data[i+2] >> 4) & 0x0F
		rateIdx := (data[i+2] >> 2) & 0x03
		padding := int((data[i+2] >> 1) & 0x01)
		if bitrateIdx == 0 || bitrateIdx == 15 || rateIdx == 3 {
			i++
			continue
		}

		rates, ok := mp3Rates[version]
		if !ok {
			i++
			continue
		}
		sampleRate := rates[rateIdx]

		var bitrate, samplesPerFrame int
		if version == 3 {
			bitrate = mp3BitratesV1[bitrateIdx]
			samplesPerFrame = 1152
		} else {
			bitrate = mp3BitratesV2[bitrateIdx]
			samplesPerFrame = 576
		}

		frameLen := samplesPerFrame / 8 * bitrate * 1000 / sampleRate + padding
		if frameLen <= 0 {
			i++
			continue
		}

		frames = append(frames, mp3Frame{offset: i, at: at})
		at += time.Duration(samplesPerFrame) * time.Second / time.Duration(sampleRate)
		i += frameLen
	}
	return frames, at
}

func splitMP3(data []byte, dur, overlap time.Duration) ([][]byte, error) {
	frames, total := scanMP3Frames(data)
	if len(frames) < 8 {
		// Not enough recognizable frames; treat as an opaque CBR stream.
		return splitByteRate(data, dur, overlap), nil
	}

	offsetAt := func(t time.Duration) int {
		idx := sort.Search(len(frames), func(j int) bool { return frames[j].at >= t })
		if idx >= len(frames) {
			return len(data)
		}
		return frames[idx].offset
	}

	var out [][]byte
	for _, w := range timeWindows(total, dur, overlap) {
		start := offsetAt(w.start)
		end := offsetAt(w.end)
		if w.end >= total {
			end = len(data)
		}
		if end > start {
			out = append(out, data[start:end])
		}
	}
	return out, nil
}

// --- fallback ---

func splitByteRate(data []byte, dur, overlap time.Duration) [][]byte {
	total := time.Duration(len(data)/fallbackBytesPerSecond) * time.Second
	if total < time.Second {
		return [][]byte{data}
	}

	byteAt := func(t time.Duration) int {
		b := int(t / time.Second * fallbackBytesPerSecond)
		if b > len(data) {
			b = len(data)
		}
		return b
	}

	var out [][]byte
	for _, w := range timeWindows(total, dur, overlap) {
		start, end := byteAt(w.start), byteAt(w.end)
		if w.end >= total {
			end = len(data)
		}
		if end > start {
			out = append(out, data[start:end])
		}
	}
	return out
}
