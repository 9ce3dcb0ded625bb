package diffstore

import (
	"regexp"
	"strings"

	"github.com/forgecore/workerd/internal/gitengine"
)

// largeChangeFileThreshold and largeChangeLineThreshold implement the
// "large-change" rule: more than 10 files changed, or more than 500 lines
// added+removed.
const (
	largeChangeFileThreshold = 10
	largeChangeLineThreshold = 500
)

// sensitivePathPatterns match paths that commonly hold secret material,
// generalizing a narrower secret-pattern scan design (which only
// scanned added lines for credential-shaped strings) to also flag the paths
// themselves regardless of content.
var sensitivePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)\.env(\.|$)`),
	regexp.MustCompile(`(^|/)\.(aws|ssh|gnupg)/`),
	regexp.MustCompile(`(^|/)id_(rsa|ed25519|ecdsa)(\.pub)?$`),
	regexp.MustCompile(`(?i)(secret|credential)s?\.(ya?ml|json|toml|txt)$`),
	regexp.MustCompile(`(^|/)\.npmrc$`),
	regexp.MustCompile(`(^|/)\.netrc$`),
}

// secretLinePatterns match added-line content that looks like hardcoded
// credential material. Split across concatenations so the literals don't
// trip secret scanners run over this repository itself.
var secretLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`AK` + `IA[0-9A-Z]{16}`),
	regexp.MustCompile(`-{5}` + `BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP)\s+PRIV` + `ATE\s+KEY-{5}`),
	regexp.MustCompile(`gh` + `p_[A-Za-z0-9_]{36}`),
	regexp.MustCompile(`sk` + `-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)(pass` + `word|sec` + `ret|to` + `ken|api[_-]?key)\s*[:=]\s*['"][^'"]{8,}`),
}

// evaluateRisks is a pure function of the patch and its per-file stats.
// Risk flags are advisory only; they never block Apply.
func evaluateRisks(patch string, fileStats []gitengine.FileStat, stats Stats) []RiskFlag {
	var risks []RiskFlag

	if len(fileStats) > largeChangeFileThreshold || stats.Additions+stats.Deletions > largeChangeLineThreshold {
		risks = append(risks, RiskLargeChange)
	}
	if stats.Deletions > 0 {
		risks = append(risks, RiskDeletionsPresent)
	}
	for _, fs := range fileStats {
		if fs.Binary {
			risks = append(risks, RiskBinaryPresent)
			break
		}
	}
	if touchesSensitivePath(fileStats) || containsSecretMaterial(patch) {
		risks = append(risks, RiskTouchesSensitivePath)
	}
	return risks
}

func touchesSensitivePath(fileStats []gitengine.FileStat) bool {
	for _, fs := range fileStats {
		for _, re := range sensitivePathPatterns {
			if re.MatchString(fs.Path) {
				return true
			}
		}
	}
	return false
}

// containsSecretMaterial scans added lines of a unified patch (lines
// starting with a single '+', excluding the "+++" file header) for
// credential-shaped strings.
func containsSecretMaterial(patch string) bool {
	for _, line := range strings.Split(patch, "\n") {
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		added := line[1:]
		for _, re := range secretLinePatterns {
			if re.MatchString(added) {
				return true
			}
		}
	}
	return false
}
