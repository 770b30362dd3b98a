//go:build pcap
// +build pcap

// telemetry-pcap inspects a capture of ground-station traffic: per-source
// packet and byte counts, inter-packet gap distribution, silence gaps, and
// MAVLink v2 frame counts. Build with -tags pcap (needs libpcap):
//
//	telemetry-pcap -file capture.pcap -port 14550
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

var (
	pcapFile = flag.String("file", "", "pcap file to analyze (required)")
	udpPort  = flag.Int("port", 14550, "UDP port carrying telemetry")
	jsonOut  = flag.Bool("json", false, "emit JSON instead of a table")
)

// silenceThreshold flags holes in the telemetry stream worth investigating.
const silenceThreshold = 2 * time.Second

// mavlinkV2Magic starts every MAVLink v2 frame.
const mavlinkV2Magic = 0xFD

type sourceStats struct {
	Source        string  `json:"source"`
	Packets       int     `json:"packets"`
	Bytes         int     `json:"bytes"`
	MAVLinkFrames int     `json:"mavlink_frames"`
	RateHz        float64 `json:"rate_hz"`
}

type silence struct {
	After    string  `json:"after"`
	Duration float64 `json:"duration_s"`
}

type report struct {
	File      string         `json:"file"`
	Port      int            `json:"port"`
	DurationS float64        `json:"duration_s"`
	Packets   int            `json:"packets"`
	Sources   []*sourceStats `json:"sources"`
	GapHist   map[string]int `json:"gap_histogram"`
	Silences  []silence      `json:"silences"`
	MaxGapS   float64        `json:"max_gap_s"`
	MeanGapMs float64        `json:"mean_gap_ms"`
}

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("-file is required")
	}

	handle, err := pcap.OpenOffline(*pcapFile)
	if err != nil {
		log.Fatalf("open %s: %v", *pcapFile, err)
	}
	defer handle.Close()

	filter := fmt.Sprintf("udp port %d", *udpPort)
	if err := handle.SetBPFFilter(filter); err != nil {
		log.Fatalf("BPF filter %q: %v", filter, err)
	}

	rep := analyze(handle)
	rep.File = *pcapFile
	rep.Port = *udpPort

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			log.Fatalf("encode: %v", err)
		}
		return
	}
	printTable(rep)
}

func analyze(handle *pcap.Handle) *report {
	rep := &report{GapHist: make(map[string]int)}
	sources := make(map[string]*sourceStats)

	var first, last, prev time.Time
	var gapSum time.Duration
	gaps := 0

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		payload := udp.Payload
		ts := packet.Metadata().Timestamp

		src := "unknown"
		if netLayer := packet.NetworkLayer(); netLayer != nil {
			src = fmt.Sprintf("%s:%d", netLayer.NetworkFlow().Src(), udp.SrcPort)
		}
		st := sources[src]
		if st == nil {
			st = &sourceStats{Source: src}
			sources[src] = st
		}
		st.Packets++
		st.Bytes += len(payload)
		st.MAVLinkFrames += countMAVLinkFrames(payload)

		if first.IsZero() {
			first = ts
		}
		if !prev.IsZero() {
			gap := ts.Sub(prev)
			rep.GapHist[gapBucket(gap)]++
			gapSum += gap
			gaps++
			if gap.Seconds() > rep.MaxGapS {
				rep.MaxGapS = gap.Seconds()
			}
			if gap > silenceThreshold {
				rep.Silences = append(rep.Silences, silence{
					After:    prev.UTC().Format(time.RFC3339Nano),
					Duration: gap.Seconds(),
				})
			}
		}
		prev, last = ts, ts
		rep.Packets++
	}

	rep.DurationS = last.Sub(first).Seconds()
	if gaps > 0 {
		rep.MeanGapMs = float64(gapSum.Milliseconds()) / float64(gaps)
	}
	for _, st := range sources {
		if rep.DurationS > 0 {
			st.RateHz = float64(st.Packets) / rep.DurationS
		}
		rep.Sources = append(rep.Sources, st)
	}
	sort.Slice(rep.Sources, func(i, j int) bool { return rep.Sources[i].Packets > rep.Sources[j].Packets })
	return rep
}

// countMAVLinkFrames walks the payload using the v2 length field:
// magic(1) len(1) incompat(1) compat(1) seq(1) sysid(1) compid(1)
// msgid(3) payload(len) checksum(2), plus 13 signature bytes when the
// incompat flag bit 0 is set.
func countMAVLinkFrames(payload []byte) int {
	frames := 0
	for i := 0; i < len(payload); {
		if payload[i] != mavlinkV2Magic || i+3 > len(payload) {
			i++
			continue
		}
		frameLen := 12 + int(payload[i+1])
		if payload[i+2]&0x01 != 0 {
			frameLen += 13
		}
		frames++
		i += frameLen
	}
	return frames
}

func gapBucket(gap time.Duration) string {
	switch {
	case gap < time.Millisecond:
		return "<1ms"
	case gap < 10*time.Millisecond:
		return "<10ms"
	case gap < 100*time.Millisecond:
		return "<100ms"
	case gap < time.Second:
		return "<1s"
	default:
		return ">=1s"
	}
}

func printTable(rep *report) {
	fmt.Printf("%s: %d packets over %.1fs on udp port %d\n\n",
		rep.File, rep.Packets, rep.DurationS, rep.Port)

	fmt.Printf("%-24s %10s %12s %10s %8s\n", "SOURCE", "PACKETS", "BYTES", "MAVLINK", "HZ")
	for _, st := range rep.Sources {
		fmt.Printf("%-24s %10d %12d %10d %8.1f\n",
			st.Source, st.Packets, st.Bytes, st.MAVLinkFrames, st.RateHz)
	}

	fmt.Printf("\ninter-packet gaps (mean %.2fms, max %.2fs):\n", rep.MeanGapMs, rep.MaxGapS)
	for _, bucket := range []string{"<1ms", "<10ms", "<100ms", "<1s", ">=1s"} {
		if n := rep.GapHist[bucket]; n > 0 {
			fmt.Printf("  %-6s %d\n", bucket, n)
		}
	}

	if len(rep.Silences) == 0 {
		fmt.Println("\nno silence gaps over 2s")
		return
	}
	fmt.Printf("\nsilence gaps over 2s:\n")
	for _, s := range rep.Silences {
		fmt.Printf("  %.2fs after %s\n", s.Duration, s.After)
	}
}
