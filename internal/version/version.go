package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/hingebase/mahoraga-go/theme"
)

var (
	Name        = "mahoraga"
	Description = "Caching reverse proxy for conda, PyPI, npm and Python mirrors"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
)

const (
	GithubHomeText  = "github.com/hingebase/mahoraga"
	GithubHomeURI   = "https://github.com/hingebase/mahoraga"
	GithubLatestURI = "https://github.com/hingebase/mahoraga/releases/latest"
)

// PrintVersionInfo writes a short startup banner, extended with build
// metadata when extendedInfo is set (the --version flag).
func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	githubURI := theme.Hyperlink(GithubHomeURI, GithubHomeText)

	var b strings.Builder
	b.WriteString(theme.ColourSplash(fmt.Sprintf("%s %s", Name, Version)))
	b.WriteString(" — ")
	b.WriteString(Description)
	b.WriteString("\n")
	b.WriteString(theme.StyleURL(githubURI))

	if extendedInfo {
		b.WriteString(fmt.Sprintf("\n Commit: %s\n  Built: %s\n", Commit, Date))
	}

	vlog.Println(b.String())
}
