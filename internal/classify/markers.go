package classify

import (
	"regexp"
	"strconv"
	"strings"

	"boundary/internal/probe"
)

// Probes speak through their output. The marker sets below are curated
// from the standard probe set: breach markers are specific enough that
// a permitted partial success (e.g. a self-TRACEME before the real
// attach attempt) is not misread as a breach.

var breachMarkers = map[probe.Category][]string{
	probe.FilesystemEscape: {"호스트 루트 접근 성공", "PID 1 cmdline:"},
	probe.NetworkEgress:    {"연결 성공", "네트워크 접근 가능"},
	probe.ProcessExec:      {"반환값: 0", "쉘 실행 성공", "bash 실행", "uid="},
	probe.SignalDelivery:   {"SIGTERM 전송 성공", "시그널 전송 성공"},
	probe.PtraceAttach:     {"attach 성공"},
	probe.ChrootEscape:     {"chroot 성공", "호스트 루트 접근 성공"},
}

var blockedMarkers = []string{
	"차단됨",
	"거부",
	"권한 없음",
	"실패",
	"Permission denied",
	"Operation not permitted",
	"blocked",
	"denied",
}

// resourceStopMarkers indicate the allocation path reported failure,
// i.e. the probe was bounded before the harness had to step in.
var resourceStopMarkers = map[probe.Category][]string{
	probe.MemoryExhaustion: {"할당 실패", "mmap 실패", "allocation failed"},
	probe.DiskExhaustion:   {"쓰기 실패", "디스크 용량 제한", "파일 생성 실패", "No space left"},
	probe.FDExhaustion:     {"파일 열기 실패", "Too many open files"},
	probe.ThreadExhaustion: {"예외 발생", "최종 스레드 수", "Resource temporarily unavailable"},
	probe.StackExhaustion:  nil,
}

// passwdLike matches account-database content leaking into probe output.
var passwdLike = regexp.MustCompile(`(?m)^[a-z_][a-z0-9_-]*:[^:\n]*:\d+:\d+:`)

func findMarker(output string, markers []string) (string, bool) {
	for _, m := range markers {
		if strings.Contains(output, m) {
			return m, true
		}
	}
	return "", false
}

// markerSet picks the descriptor override when one is declared.
func markerSet(override, fallback []string) []string {
	if len(override) > 0 {
		return override
	}
	return fallback
}

// Self-reported consumption counters printed by the standard probes.
var selfReported = map[probe.Category]*regexp.Regexp{
	probe.FDExhaustion:     regexp.MustCompile(`(?:총 열린 파일|열린 파일 수): (\d+)`),
	probe.ThreadExhaustion: regexp.MustCompile(`(?:생성된 스레드|최종 스레드 수): (\d+)`),
	probe.MemoryExhaustion: regexp.MustCompile(`(?:할당됨|매핑됨|총 매핑): (\d+) MB`),
	probe.DiskExhaustion:   regexp.MustCompile(`기록됨: (\d+) MB`),
}

// selfReportedPeak extracts the largest consumption figure the probe
// printed about itself, zero when none.
func selfReportedPeak(c probe.Category, output string) int64 {
	re, ok := selfReported[c]
	if !ok {
		return 0
	}
	var peak int64
	for _, match := range re.FindAllStringSubmatch(output, -1) {
		if len(match) < 2 {
			continue
		}
		if v, err := strconv.ParseInt(match[1], 10, 64); err == nil && v > peak {
			peak = v
		}
	}
	return peak
}
