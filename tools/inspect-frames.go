//go:build ignore

// Inspect-frames decodes hex-dumped binary frames captured from a board or
// web client session and prints each value with its wire position.
//
// Usage:
//
//	go run tools/inspect-frames.go <hexfile>
//	go run tools/inspect-frames.go -
//
// The input is one frame per line, hex encoded (whitespace ignored). Lines
// starting with # are skipped.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ferrule/boardlink/internal/codec"
	"github.com/ferrule/boardlink/internal/protocol"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: inspect-frames <hexfile>  (use - for stdin)")
		os.Exit(1)
	}

	in := os.Stdin
	if os.Args[1] != "-" {
		f, err := os.Open(os.Args[1])
		if err != nil {
			fmt.Printf("Error opening file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	fmt.Println("=== Boardlink Frame Inspector ===")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		raw, err := hex.DecodeString(strings.Join(strings.Fields(line), ""))
		if err != nil {
			fmt.Printf("line %d: bad hex: %v\n", lineNum, err)
			continue
		}

		inspectFrame(lineNum, raw)
	}
	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading input: %v\n", err)
		os.Exit(1)
	}
}

func inspectFrame(lineNum int, raw []byte) {
	fmt.Printf("\n--- frame %d (%d bytes) ---\n", lineNum, len(raw))

	located := codec.DecodeOffsets(raw)
	if len(located) == 0 {
		fmt.Println("  undecodable (truncated or unknown tag)")
		return
	}

	for i, l := range located {
		fmt.Printf("  [%d] @%-4d len=%-4d %-10T %v%s\n",
			i, l.Offset, l.Length, l.Value, preview(l.Value), annotate(i, l.Value))
	}

	consumed := located[len(located)-1].Offset + located[len(located)-1].Length
	if consumed < len(raw) {
		fmt.Printf("  ! %d trailing bytes not decoded\n", len(raw)-consumed)
	}
}

// preview shortens bulky payloads so block dumps stay readable.
func preview(v any) any {
	switch b := v.(type) {
	case []byte:
		if len(b) > 16 {
			return fmt.Sprintf("%x… (%d bytes)", b[:16], len(b))
		}
		return fmt.Sprintf("%x", b)
	case string:
		if len(b) > 48 {
			return b[:48] + "…"
		}
		return b
	default:
		return v
	}
}

// annotate names the command when the first value looks like one.
func annotate(index int, v any) string {
	if index != 0 {
		return ""
	}
	switch cmd := v.(type) {
	case uint8:
		return "  <- " + protocol.OpcodeName(cmd)
	case uint64:
		word := protocol.UnpackCommandWord(cmd)
		flags := ""
		if word.NeedsConfirm() {
			flags += " needs-confirm"
		}
		if word.IsConfirm() {
			flags += " is-confirm"
		}
		return fmt.Sprintf("  <- %s msg_id=%d%s",
			protocol.OpcodeName(word.Opcode), word.MessageID, flags)
	default:
		return ""
	}
}
