// Package mp4sink collects encoded H.264 units and writes them as a
// fragmented MP4 file when closed.
package mp4sink

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/user/h264pipe/pkg/ports"
)

var (
	// ErrNoSamples is returned by Close when no picture was received.
	ErrNoSamples = errors.New("mp4sink: no samples to write")

	// ErrNoParameterSets is returned by Close when SPS or PPS never arrived.
	ErrNoParameterSets = errors.New("mp4sink: SPS or PPS not found")

	// ErrOpen is returned when the output file cannot be created.
	ErrOpen = errors.New("mp4sink: cannot create output")
)

// DefaultFPS is the frame rate used when none is given.
const DefaultFPS = 30.0

type sample struct {
	nalus    [][]byte
	keyframe bool
}

// Sink buffers samples in memory and muxes them on Close.
// Every slice unit starts a new sample; other units that precede a slice,
// such as SEI or access unit delimiters, are carried into that sample.
type Sink struct {
	w      io.Writer
	closer io.Closer
	fps    float64

	sps    []byte
	pps    []byte
	width  int
	height int

	prefix  [][]byte
	samples []sample
}

// New creates a Sink that writes the MP4 file to w on Close.
// If w is an io.Closer, Close closes it.
func New(w io.Writer, fps float64) *Sink {
	if fps <= 0 {
		fps = DefaultFPS
	}
	s := &Sink{w: w, fps: fps}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Create creates path through fs and returns a Sink writing to it.
func Create(fs ports.FileSystem, path string, fps float64) (*Sink, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
	}
	return New(f, fps), nil
}

// Accept splits u into NAL units and files each one.
func (s *Sink) Accept(u ports.Unit) error {
	var au h264.AnnexB
	if err := au.Unmarshal(u.Data); err != nil {
		// not Annex-B framed: a single bare NAL unit
		au = h264.AnnexB{u.Data}
	}

	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if err := s.add(nalu); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) add(nalu []byte) error {
	switch typ := h264.NALUType(nalu[0] & 0x1F); typ {
	case h264.NALUTypeSPS:
		if s.sps != nil {
			return nil
		}
		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			return fmt.Errorf("parse SPS: %w", err)
		}
		s.sps = bytes.Clone(nalu)
		s.width = sps.Width()
		s.height = sps.Height()

	case h264.NALUTypePPS:
		if s.pps == nil {
			s.pps = bytes.Clone(nalu)
		}

	case h264.NALUTypeIDR, h264.NALUTypeNonIDR:
		nalus := append(s.prefix, bytes.Clone(nalu))
		s.prefix = nil
		s.samples = append(s.samples, sample{nalus: nalus, keyframe: typ == h264.NALUTypeIDR})

	default:
		s.prefix = append(s.prefix, bytes.Clone(nalu))
	}
	return nil
}

// Samples returns the number of samples collected so far.
func (s *Sink) Samples() int { return len(s.samples) }

// Size returns the picture size from the SPS, or zeros before one arrived.
func (s *Sink) Size() (width, height int) { return s.width, s.height }

// Close muxes the collected samples, writes the file and closes the writer.
func (s *Sink) Close() error {
	err := s.writeFile()
	if s.closer != nil {
		if cerr := s.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.closer = nil
	}
	return err
}

func (s *Sink) writeFile() error {
	if len(s.samples) == 0 {
		return ErrNoSamples
	}
	if s.sps == nil || s.pps == nil {
		return ErrNoParameterSets
	}

	timescale := uint32(s.fps * 1000)
	dur := uint32(float64(timescale) / s.fps)
	trackID := uint32(1)

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(timescale, "video", "en")
	trak := init.Moov.Trak

	avcC, err := mp4.CreateAvcC([][]byte{s.sps}, [][]byte{s.pps}, true)
	if err != nil {
		return fmt.Errorf("create avcC: %w", err)
	}
	avc1 := mp4.CreateVisualSampleEntryBox("avc1", uint16(s.width), uint16(s.height), avcC)
	trak.Mdia.Minf.Stbl.Stsd.AddChild(avc1)
	trak.Tkhd.Width = mp4.Fixed32(s.width << 16)
	trak.Tkhd.Height = mp4.Fixed32(s.height << 16)

	frag, err := mp4.CreateFragment(1, trackID)
	if err != nil {
		return fmt.Errorf("create fragment: %w", err)
	}

	for i, smp := range s.samples {
		data, err := h264.AVCC(smp.nalus).Marshal()
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}

		flags := mp4.NonSyncSampleFlags
		if smp.keyframe {
			flags = mp4.SyncSampleFlags
		}
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: flags,
				Size:  uint32(len(data)),
				Dur:   dur,
			},
			DecodeTime: uint64(i) * uint64(dur),
			Data:       data,
		})
	}

	var buf bytes.Buffer
	ftyp := mp4.NewFtyp("isom", 0x200, []string{"isom", "iso2", "avc1", "mp41"})
	if err := ftyp.Encode(&buf); err != nil {
		return fmt.Errorf("encode ftyp: %w", err)
	}
	if err := init.Moov.Encode(&buf); err != nil {
		return fmt.Errorf("encode moov: %w", err)
	}
	if err := frag.Encode(&buf); err != nil {
		return fmt.Errorf("encode fragment: %w", err)
	}

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write mp4: %w", err)
	}
	return nil
}

var _ ports.UnitSink = (*Sink)(nil)
