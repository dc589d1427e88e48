package main

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/vspace/internal/binder"
	"github.com/zboralski/vspace/internal/engine"
	"github.com/zboralski/vspace/internal/nativehook"
	"github.com/zboralski/vspace/internal/ui/colorize"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#569CD6"))

// table lays rows out in columns padded to the widest cell.
func table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		out := make([]string, len(cells))
		for i, c := range cells {
			out[i] = style.Width(widths[i] + 2).Render(c)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, out...)
	}

	var b strings.Builder
	b.WriteString(line(headers, headerStyle))
	for _, r := range rows {
		b.WriteByte('\n')
		b.WriteString(line(r, lipgloss.NewStyle()))
	}
	return b.String()
}

func section(title string) {
	fmt.Println()
	fmt.Printf("%s %s\n", colorize.Header("▶"), title)
}

func printApps(eng *engine.Engine) {
	section("Apps")
	apps := eng.GetInstalledApps()
	if len(apps) == 0 {
		fmt.Println(colorize.Detail("  none installed"))
		return
	}
	rows := make([][]string, 0, len(apps))
	for _, a := range apps {
		pid := "-"
		if a.Running {
			pid = strconv.Itoa(a.PID)
		}
		rows = append(rows, []string{
			colorize.FuncName(a.Package),
			a.Label,
			fmt.Sprintf("%s (%d)", a.VersionName, a.VersionCode),
			strconv.Itoa(a.UserID),
			pid,
		})
	}
	fmt.Println(table([]string{"PACKAGE", "LABEL", "VERSION", "USER", "PID"}, rows))
}

func printHooks(bridge *nativehook.Bridge) error {
	section("Hooks")
	for _, h := range bridge.Hooks() {
		fmt.Printf("%s %s %s %s\n",
			colorize.FuncName(h.Symbol),
			colorize.Detail(h.Library),
			colorize.Border("→"),
			colorize.Address(h.Replacement))

		patched, err := bridge.ReadMemory(h.Target, nativehook.PatchSize)
		if err != nil {
			return fmt.Errorf("read %s: %w", h.Symbol, err)
		}
		for _, l := range listing(h.Target, patched, 8) {
			fmt.Println("  " + l)
		}

		tramp, err := bridge.ReadMemory(h.Trampoline, nativehook.TrampolineSlot)
		if err != nil {
			return fmt.Errorf("read %s trampoline: %w", h.Symbol, err)
		}
		fmt.Println(colorize.Detail("  trampoline"))
		for _, l := range listing(h.Trampoline, tramp, 24) {
			fmt.Println("  " + l)
		}
	}
	return nil
}

func printProbes(bridge *nativehook.Bridge, extra []string) error {
	section("Binder")
	configured := map[string]string{}
	var names []string
	for _, e := range bridge.BinderFilters() {
		configured[e.Service] = e.Policy.String()
		names = append(names, e.Service)
	}
	for _, n := range extra {
		if _, ok := configured[n]; !ok {
			configured[n] = "default"
			names = append(names, n)
		}
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, n := range names {
		pol, err := bridge.ProbeService(n)
		if err != nil {
			return fmt.Errorf("probe %s: %w", n, err)
		}
		rows = append(rows, []string{
			n,
			configured[n],
			colorize.Verdict(pol == binder.Allow, pol.String()),
		})
	}
	fmt.Println(table([]string{"SERVICE", "FILTER", "PROBE"}, rows))
	return nil
}

func printStats(eng *engine.Engine, bridge *nativehook.Bridge) {
	judged, dropped := eng.InterceptStats()
	traffic := bridge.Traffic()

	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s judged  %s dropped  %s ioctl  %s",
		colorize.FuncName(strconv.FormatUint(judged, 10)),
		colorize.FuncName(strconv.FormatUint(dropped, 10)),
		colorize.FuncName(strconv.FormatUint(traffic["ioctl"], 10)),
		colorize.Detail(fmt.Sprintf("%d processes", eng.Processes().Len())))
	fmt.Println()
}

// listing disassembles code at addr. The 8 bytes at literal are the
// absolute jump target and print as data.
func listing(addr uint64, code []byte, literal int) []string {
	var lines []string
	for off := 0; off+4 <= len(code); {
		if off == literal && off+8 <= len(code) {
			v := binary.LittleEndian.Uint64(code[off:])
			lines = append(lines, formatLine(addr+uint64(off), fmt.Sprintf("%016X", v), fmt.Sprintf(".quad 0x%x", v)))
			off += 8
			continue
		}
		word := binary.LittleEndian.Uint32(code[off:])
		lines = append(lines, formatLine(addr+uint64(off), fmt.Sprintf("%08X", word), disasm(code[off:off+4])))
		off += 4
	}
	return lines
}

func formatLine(addr uint64, hex, dis string) string {
	return colorize.Address(addr) + "  " + colorize.HexBytes(hex) + "  " + colorize.Instruction(dis)
}

func disasm(code []byte) string {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(code))
	}
	return inst.String()
}
