package preflight

import (
	"fmt"
	"os"

	"github.com/Aman-CERP/unisearch/internal/config"
)

// CheckProviders checks each configured source. A broken source is
// isolated at sync time, so these never fail the run.
func (c *Checker) CheckProviders() []CheckResult {
	p := c.cfg.Providers
	if len(p.Filesystem)+len(p.GitHub) == 0 {
		return []CheckResult{{
			Name:    "providers",
			Status:  StatusPass,
			Message: "none configured; documents come from `unisearch index` and MCP",
		}}
	}

	results := make([]CheckResult, 0, len(p.Filesystem)+len(p.GitHub))
	for _, fs := range p.Filesystem {
		results = append(results, c.checkFilesystem(fs))
	}
	for _, gh := range p.GitHub {
		results = append(results, c.checkGitHub(gh))
	}
	return results
}

func (c *Checker) checkFilesystem(fs config.FilesystemSource) CheckResult {
	root := config.ExpandPath(fs.Root)
	result := CheckResult{Name: "provider:" + fs.Name, Details: root}

	info, err := os.Stat(root)
	switch {
	case err != nil:
		result.Status = StatusFail
		result.Message = fmt.Sprintf("root unreadable: %v", err)
	case !info.IsDir():
		result.Status = StatusFail
		result.Message = "root is not a directory"
	default:
		result.Status = StatusPass
		result.Message = "directory " + root
	}
	return result
}

func (c *Checker) checkGitHub(gh config.GitHubSource) CheckResult {
	result := CheckResult{
		Name:    "provider:" + gh.Name,
		Details: gh.Owner + "/" + gh.Repo,
	}
	switch {
	case gh.TokenEnv == "":
		result.Status = StatusWarn
		result.Message = "no token_env; unauthenticated requests are rate limited"
	case c.getenv(gh.TokenEnv) == "":
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s is not set; unauthenticated requests are rate limited", gh.TokenEnv)
	default:
		result.Status = StatusPass
		result.Message = fmt.Sprintf("github %s/%s, token from %s", gh.Owner, gh.Repo, gh.TokenEnv)
	}
	return result
}
