package auditkit

import (
	"os"
	"path/filepath"
	"testing"
)

func writeReport(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDetectSystemWindowsProducerAndOSInfo(t *testing.T) {
	contents := "KPWINVERSION: 0.4.7\n" +
		"System_OSInfo::ProductName    : Windows 10 Pro\n" +
		"System_OSInfo::ReleaseId      : 2009\n" +
		"System_OSInfo::CurrentBuild   : 19042\n" +
		"System_OSInfo::UBR            : 1237\n"
	path := writeReport(t, "win.txt", contents)

	sys, err := DetectSystem(path)
	if err != nil {
		t.Fatalf("DetectSystem: %v", err)
	}
	if sys.Error != nil {
		t.Fatalf("sys.Error = %v, want nil", sys.Error)
	}
	if sys.Producer != ProducerKPWinAudit {
		t.Errorf("Producer = %v, want KPWINAUDIT", sys.Producer)
	}
	if sys.OSFamily != OSWindows {
		t.Errorf("OSFamily = %v, want Windows", sys.OSFamily)
	}
	if sys.ProducerVersion != "0.4.7" {
		t.Errorf("ProducerVersion = %q, want 0.4.7", sys.ProducerVersion)
	}
	if sys.ProductName != "Windows 10 Pro" {
		t.Errorf("ProductName = %q, want Windows 10 Pro", sys.ProductName)
	}
	if sys.ReleaseID != "2009" || sys.CurrentBuild != "19042" || sys.UBR != "1237" {
		t.Errorf("Windows extras = %+v", sys)
	}
}

func TestDetectSystemLinuxProducerAndDistro(t *testing.T) {
	contents := "KPNIXVERSION: 0.6.19\n" +
		"PRETTY_NAME=\"Ubuntu 20.04.1 LTS\"\n" +
		"VERSION_ID=\"20.04\"\n" +
		"Using apt to enumerate packages\n"
	path := writeReport(t, "nix.txt", contents)

	sys, err := DetectSystem(path)
	if err != nil {
		t.Fatalf("DetectSystem: %v", err)
	}
	if sys.Producer != ProducerKPNixAudit || sys.OSFamily != OSLinux {
		t.Fatalf("Producer/OSFamily = %v/%v", sys.Producer, sys.OSFamily)
	}
	if sys.OSPrettyName != "Ubuntu 20.04.1 LTS" {
		t.Errorf("OSPrettyName = %q", sys.OSPrettyName)
	}
	if sys.OSVersion != "20.04" {
		t.Errorf("OSVersion = %q", sys.OSVersion)
	}
	if sys.DistroFamily != DistroDEB {
		t.Errorf("DistroFamily = %v, want deb", sys.DistroFamily)
	}
}

func TestDetectSystemRPMIndicator(t *testing.T) {
	contents := "KPNIXVERSION: 0.6.19\nUsing yum to enumerate packages\n"
	path := writeReport(t, "rpm.txt", contents)

	sys, err := DetectSystem(path)
	if err != nil {
		t.Fatalf("DetectSystem: %v", err)
	}
	if sys.DistroFamily != DistroRPM {
		t.Errorf("DistroFamily = %v, want rpm", sys.DistroFamily)
	}
}

func TestDetectSystemMacProducer(t *testing.T) {
	path := writeReport(t, "mac.txt", "KPMACVERSION: 1.2.0\nsome other header line\n")

	sys, err := DetectSystem(path)
	if err != nil {
		t.Fatalf("DetectSystem: %v", err)
	}
	if sys.Producer != ProducerKPMacAudit || sys.OSFamily != OSDarwin {
		t.Fatalf("Producer/OSFamily = %v/%v", sys.Producer, sys.OSFamily)
	}
	if sys.ProducerVersion != "1.2.0" {
		t.Errorf("ProducerVersion = %q", sys.ProducerVersion)
	}
}

func TestDetectSystemNoProducerIsUndefinedWithWarning(t *testing.T) {
	path := writeReport(t, "plain.txt", "just some unrelated text\nnothing collector-like here\n")

	sys, err := DetectSystem(path)
	if err != nil {
		t.Fatalf("DetectSystem: %v", err)
	}
	if sys.OSFamily != OSUndefined {
		t.Errorf("OSFamily = %v, want Undefined", sys.OSFamily)
	}
	if sys.Error == nil {
		t.Fatal("expected a DetectionError warning on sys.Error")
	}
	if _, ok := sys.Error.(*DetectionError); !ok {
		t.Errorf("sys.Error type = %T, want *DetectionError", sys.Error)
	}
}

func TestDetectSystemProducerBeyondDefaultWindow(t *testing.T) {
	var lines []string
	for i := 0; i < 15; i++ {
		lines = append(lines, "padding line")
	}
	lines = append(lines, "KPNIXVERSION: 0.7.0")
	contents := ""
	for _, l := range lines {
		contents += l + "\n"
	}
	path := writeReport(t, "deep.txt", contents)

	sys, err := DetectSystem(path)
	if err != nil {
		t.Fatalf("DetectSystem: %v", err)
	}
	if sys.Producer != ProducerKPNixAudit {
		t.Errorf("Producer = %v, want KPNIXAUDIT (found within extended window)", sys.Producer)
	}
}

func TestDetectSystemStableAcrossRuns(t *testing.T) {
	path := writeReport(t, "stable.txt", "KPWINVERSION: 1.0.0\n")

	first, err := DetectSystem(path)
	if err != nil {
		t.Fatalf("DetectSystem (1st): %v", err)
	}
	second, err := DetectSystem(path)
	if err != nil {
		t.Fatalf("DetectSystem (2nd): %v", err)
	}
	if first.SystemID != second.SystemID {
		t.Errorf("SystemID not stable: %q vs %q", first.SystemID, second.SystemID)
	}
	if first.FileHash != second.FileHash {
		t.Errorf("FileHash not stable: %q vs %q", first.FileHash, second.FileHash)
	}
}
