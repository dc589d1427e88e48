package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

var (
	asmLexer      = assemblyLexer()
	asmStyle      = disasmStyle()
	termFormatter = terminalFormatter()
)

func assemblyLexer() chroma.Lexer {
	for _, name := range []string{"nasm", "armasm", "gas"} {
		if l := lexers.Get(name); l != nil {
			return l
		}
	}
	return nil
}

func disasmStyle() *chroma.Style {
	for _, name := range []string{DisasmDark.Name, "dracula", "monokai"} {
		if s := styles.Get(name); s != nil {
			return s
		}
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// IsDisabled reports whether colors are turned off via environment.
func IsDisabled() bool {
	return os.Getenv("VSPACE_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction highlights one disassembled instruction.
func Instruction(insn string) string {
	if IsDisabled() || asmLexer == nil {
		return insn
	}
	it, err := asmLexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := termFormatter.Format(&buf, asmStyle, it); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func paint(r, g, b uint8, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats a guest address in yellow.
func Address(addr uint64) string {
	return paint(255, 200, 0, fmt.Sprintf("%08X", addr))
}

// FuncName formats a symbol name in yellow.
func FuncName(name string) string { return paint(255, 200, 0, name) }

// Detail formats secondary text in light gray.
func Detail(s string) string { return paint(180, 180, 180, s) }

// HexBytes formats opcode bytes in light gray.
func HexBytes(s string) string { return paint(180, 180, 180, s) }

// Border formats rules in dark gray.
func Border(s string) string { return paint(80, 80, 80, s) }

// Comment formats trailing comments in white.
func Comment(s string) string { return paint(255, 255, 255, s) }

// Header formats headings in blue.
func Header(s string) string { return paint(86, 156, 214, s) }

// Error formats errors in pink.
func Error(s string) string { return paint(255, 128, 192, s) }

// String formats string values in pink.
func String(s string) string { return paint(255, 128, 192, s) }

// Verdict formats a binder verdict: green when allowed, red otherwise.
func Verdict(allowed bool, s string) string {
	if allowed {
		return paint(80, 220, 120, s)
	}
	return paint(255, 80, 80, s)
}
