// ipcdump decodes captured IPC buffers into YAML.
//
// Each input is one 0x100-byte message buffer, either raw bytes or a hex
// listing (--hex). Whitespace, "0x" prefixes and "offset:" columns in hex
// listings are ignored. With no file arguments, ipcdump reads stdin.
package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"nx-ipc/codec"
	"nx-ipc/protocol"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type dump struct {
	Source            string `yaml:"source"`
	codec.Description `yaml:",inline"`
	Magic             string `yaml:"magic,omitempty"`
	Payload           string `yaml:"payload,omitempty"`
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	var direction string
	var domain, hexInput bool
	var payloadSize int

	flagSet := pflag.NewFlagSet("ipcdump", pflag.ContinueOnError)
	flagSet.StringVarP(&direction, "direction", "d", "in", `which side wrote the buffer: "in" (command) or "out" (response)`)
	flagSet.BoolVar(&domain, "domain", false, "the session is a domain")
	flagSet.BoolVarP(&hexInput, "hex", "x", false, "inputs are hex listings instead of raw bytes")
	flagSet.IntVar(&payloadSize, "payload-size", -1, "payload bytes of a domain response; locates its returned objects")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	var dir codec.Direction
	switch direction {
	case "in":
		dir = codec.DirectionIn
	case "out":
		dir = codec.DirectionOut
	default:
		return fmt.Errorf("--direction must be in or out, got %q", direction)
	}

	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	defer enc.Close()

	sources := flagSet.Args()
	if len(sources) == 0 {
		sources = []string{"-"}
	}
	for _, source := range sources {
		raw, err := readSource(source, stdin)
		if err != nil {
			return err
		}
		if hexInput {
			if raw, err = decodeHex(raw); err != nil {
				return fmt.Errorf("%s: %w", source, err)
			}
		}
		d, err := describe(source, raw, dir, domain, payloadSize)
		if err != nil {
			return err
		}
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("%s: encode: %w", source, err)
		}
	}
	return nil
}

func readSource(source string, stdin io.Reader) ([]byte, error) {
	if source == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(source)
}

func describe(source string, raw []byte, dir codec.Direction, domain bool, payloadSize int) (*dump, error) {
	buf := protocol.NewBuffer()
	if err := buf.Load(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	d, err := codec.Describe(buf, dir, domain, payloadSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	out := &dump{Source: source, Description: *d}
	if d.DataHeader != nil {
		out.Magic = codec.MagicString(d.DataHeader.Magic)
	}
	if d.PayloadSize > 0 {
		start := min(d.PayloadOffset, protocol.BufferSize)
		end := min(start+d.PayloadSize, protocol.BufferSize)
		out.Payload = hex.EncodeToString(buf.Bytes()[start:end])
	}
	return out, nil
}

// decodeHex accepts "xx xx", "0xXX" and hexdump style "0010: xx xx" lines.
func decodeHex(text []byte) ([]byte, error) {
	var digits strings.Builder
	for _, line := range bytes.Split(text, []byte("\n")) {
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			line = line[i+1:]
		}
		for _, field := range strings.Fields(string(line)) {
			digits.WriteString(strings.TrimPrefix(strings.ToLower(field), "0x"))
		}
	}
	return hex.DecodeString(digits.String())
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `ipcdump decodes captured IPC message buffers.

Usage:
  ipcdump [flags] [file...]

Examples:
  # Decode a raw command buffer
  ipcdump request.bin

  # Decode a hex listing of a domain response
  ipcdump --hex --direction out --domain --payload-size 8 response.txt

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
