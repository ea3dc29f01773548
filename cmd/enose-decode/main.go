// Command enose-decode decodes e-nose notification payloads captured
// elsewhere (a sniffer log, nRF Connect) and prints them as CSV rows.
//
// Usage:
//
//	enose-decode [-config path] [-layout legacy|lockin] [hex ...]
//
// With no arguments, one hex payload is read per line from stdin.
package main

import (
	"bufio"
	"encoding/csv"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/chaz8081/enose-collector/internal/config"
	"github.com/chaz8081/enose-collector/internal/packet"
	"github.com/chaz8081/enose-collector/internal/schema"
	"github.com/chaz8081/enose-collector/internal/sink"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: built-in lock-in layout)")
	layout := flag.String("layout", "", "packet layout: legacy or lockin (overrides schema.layout)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if *layout != "" {
		cfg.Schema.Layout = *layout
		cfg.Schema.FieldCount = 0
	}

	s, err := cfg.BuildSchema()
	if err != nil {
		log.Fatalf("schema: %v", err)
	}

	var in io.Reader = os.Stdin
	if flag.NArg() > 0 {
		in = strings.NewReader(strings.Join(flag.Args(), "\n"))
	}

	bad, err := decode(s, in, os.Stdout, os.Stderr, time.Now)
	if err != nil {
		log.Fatalf("decode: %v", err)
	}
	if bad > 0 {
		os.Exit(1)
	}
}

// decode reads one hex payload per line from in and writes a header plus one
// CSV row per valid payload to out. Invalid lines are reported to errOut and
// counted.
func decode(s *schema.Schema, in io.Reader, out, errOut io.Writer, now func() time.Time) (int, error) {
	w := csv.NewWriter(out)
	if err := w.Write(sink.Header(s)); err != nil {
		return 0, err
	}

	bad := 0
	sc := bufio.NewScanner(in)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(text)

		data, err := hex.DecodeString(text)
		if err != nil {
			fmt.Fprintf(errOut, "line %d: invalid hex: %v\n", line, err)
			bad++
			continue
		}
		rec, err := packet.Decode(packet.RawPacket{Data: data, ArrivedAt: now()}, s)
		if err != nil {
			fmt.Fprintf(errOut, "line %d: %v\n", line, err)
			bad++
			continue
		}
		if err := w.Write(rec.Row()); err != nil {
			return bad, err
		}
	}
	if err := sc.Err(); err != nil {
		return bad, err
	}
	w.Flush()
	return bad, w.Error()
}
