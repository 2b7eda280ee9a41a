package auditkit

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	winProducerRE = regexp.MustCompile(`^KPWINVERSION:\s*(?P<version>.*)$`)
	nixProducerRE = regexp.MustCompile(`KPNIXVERSION:\s*(?P<version>.*)$`)
	macProducerRE = regexp.MustCompile(`KPMACVERSION:\s*(?P<version>.*)$`)

	winProductNameRE  = regexp.MustCompile(`System_OSInfo::ProductName\s*:\s*(.*)$`)
	winReleaseIDRE    = regexp.MustCompile(`System_OSInfo::ReleaseId\s*:\s*(.*)$`)
	winCurrentBuildRE = regexp.MustCompile(`System_OSInfo::CurrentBuild\s*:\s*(.*)$`)
	winUBRRE          = regexp.MustCompile(`System_OSInfo::UBR\s*:\s*(.*)$`)

	linuxPrettyNameRE = regexp.MustCompile(`PRETTY_NAME="?([^"]*)"?`)
	linuxVersionIDRE  = regexp.MustCompile(`VERSION_ID="?([^"]*)"?`)

	debIndicatorRE = regexp.MustCompile(`\b(apt|dpkg)\b`)
	rpmIndicatorRE = regexp.MustCompile(`\b(rpm|yum|dnf)\b`)
)

// DetectSystem classifies filePath into a System by inspecting its header
// and computing a stable content hash. A read or
// decode failure yields a System with Error set rather than a non-nil
// error return, so the caller can still account for the file in a run's
// bookkeeping; only an unrecoverable os.ReadFile failure is worth logging
// loudly, and that's carried in the System's Error field too.
func DetectSystem(filePath string) (*System, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return &System{
			FilePath: filePath,
			OSFamily: OSUndefined,
			Producer: ProducerOther,
			Error:    &IoError{FilePath: filePath, Op: "read", Underlying: err},
		}, nil
	}

	encodingName := DetectEncoding(raw)
	decoded, err := DecodeBytes(raw, encodingName, filePath)
	if err != nil {
		return &System{
			FilePath: filePath,
			Encoding: encodingName,
			OSFamily: OSUndefined,
			Producer: ProducerOther,
			Error:    err,
		}, nil
	}

	fileHash := fmt.Sprintf("%016x", xxhash.Sum64(raw))
	systemID := fmt.Sprintf("%016x", xxhash.Sum64String(filePath+"|"+fileHash))

	sys := &System{
		SystemID: systemID,
		FilePath: filePath,
		Encoding: encodingName,
		FileHash: fileHash,
		OSFamily: OSUndefined,
		Producer: ProducerOther,
	}

	lines := strings.Split(decoded, "\n")
	extendedHeader := headerWindow(lines, MaxHeaderWindow)

	if !detectProducer(sys, headerWindow(lines, DefaultHeaderWindow)) && !detectProducer(sys, extendedHeader) {
		sys.Error = &DetectionError{FilePath: filePath, Reason: "no producer marker found within header window"}
		return sys, nil
	}

	extractOSAttributes(sys, extendedHeader)
	return sys, nil
}

func headerWindow(lines []string, n int) []string {
	if n > len(lines) {
		n = len(lines)
	}
	return lines[:n]
}

// detectProducer applies the ordered producer probes against header,
// stopping at the first match. It is safe to call twice with a widening
// window: a producer already set by an earlier call is left untouched
// because this function only assigns on a fresh match.
func detectProducer(sys *System, header []string) bool {
	if sys.Producer != ProducerOther {
		return true
	}
	for _, line := range header {
		switch {
		case winProducerRE.MatchString(line):
			sys.Producer = ProducerKPWinAudit
			sys.OSFamily = OSWindows
			sys.ProducerVersion = strings.TrimSpace(winProducerRE.FindStringSubmatch(line)[1])
			return true
		case nixProducerRE.MatchString(line):
			sys.Producer = ProducerKPNixAudit
			sys.OSFamily = OSLinux
			sys.ProducerVersion = strings.TrimSpace(nixProducerRE.FindStringSubmatch(line)[1])
			return true
		case macProducerRE.MatchString(line):
			sys.Producer = ProducerKPMacAudit
			sys.OSFamily = OSDarwin
			sys.ProducerVersion = strings.TrimSpace(macProducerRE.FindStringSubmatch(line)[1])
			return true
		}
	}
	return false
}

func extractOSAttributes(sys *System, header []string) {
	switch sys.OSFamily {
	case OSWindows:
		extractWindowsAttributes(sys, header)
	case OSLinux:
		extractLinuxAttributes(sys, header)
	}
}

func extractWindowsAttributes(sys *System, header []string) {
	for _, line := range header {
		if m := winProductNameRE.FindStringSubmatch(line); m != nil {
			sys.ProductName = strings.TrimSpace(m[1])
		}
		if m := winReleaseIDRE.FindStringSubmatch(line); m != nil {
			sys.ReleaseID = strings.TrimSpace(m[1])
		}
		if m := winCurrentBuildRE.FindStringSubmatch(line); m != nil {
			sys.CurrentBuild = strings.TrimSpace(m[1])
		}
		if m := winUBRRE.FindStringSubmatch(line); m != nil {
			sys.UBR = strings.TrimSpace(m[1])
		}
	}
}

// extractLinuxAttributes pulls PRETTY_NAME/VERSION_ID out of the
// /etc/os-release echo block and derives distro_family from packaging
// indicators seen anywhere in the header window.
func extractLinuxAttributes(sys *System, header []string) {
	sys.DistroFamily = DistroUnknown
	for _, line := range header {
		if m := linuxPrettyNameRE.FindStringSubmatch(line); m != nil {
			sys.OSPrettyName = strings.TrimSpace(m[1])
		}
		if m := linuxVersionIDRE.FindStringSubmatch(line); m != nil {
			sys.OSVersion = strings.TrimSpace(m[1])
		}
		switch {
		case debIndicatorRE.MatchString(line):
			sys.DistroFamily = DistroDEB
		case rpmIndicatorRE.MatchString(line):
			sys.DistroFamily = DistroRPM
		}
	}
}
