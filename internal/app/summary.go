package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/foxy/illogical-updots/internal/git"
	"github.com/foxy/illogical-updots/internal/orchestrator"
)

var (
	updateBannerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FFF7DB")).
				Background(lipgloss.Color("#7D56F4")).
				Padding(0, 1)
	okBannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#50FA7B"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	secondaryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	labelStyle     = lipgloss.NewStyle().Bold(true).Width(10)
	hashStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BE9FD"))
)

// RenderStatus formats a status snapshot as the update banner followed by
// repository details.
func RenderStatus(st git.RepositoryStatus) string {
	var b strings.Builder
	if !st.OK {
		b.WriteString(errorStyle.Render("✗ " + st.Error))
		b.WriteString("\n")
		b.WriteString(secondaryStyle.Render(st.RepoPath))
		b.WriteString("\n")
		return b.String()
	}

	if st.HasUpdates() {
		b.WriteString(updateBannerStyle.Render(fmt.Sprintf("Updates available: %s behind", plural(st.Behind, "commit"))))
	} else {
		b.WriteString(okBannerStyle.Render("✓ Up to date"))
	}
	b.WriteString("\n")

	branch := st.Branch
	if branch == "" {
		branch = "(detached)"
	}
	upstream := st.Upstream
	if upstream == "" {
		upstream = "(none)"
	}
	writeField(&b, "repo", st.RepoPath)
	writeField(&b, "branch", branch)
	writeField(&b, "upstream", upstream)
	writeField(&b, "behind", fmt.Sprint(st.Behind))
	writeField(&b, "ahead", fmt.Sprint(st.Ahead))
	writeField(&b, "dirty", plural(st.Dirty, "path"))
	if st.FetchError != "" {
		b.WriteString(warnStyle.Render("fetch failed: " + firstLine(st.FetchError)))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderChanges formats pending upstream commits, newest first.
func RenderChanges(ch orchestrator.Changes) string {
	if len(ch.Commits) == 0 {
		if ch.Upstream == "" {
			return secondaryStyle.Render("No upstream configured") + "\n"
		}
		return okBannerStyle.Render("No pending changes") + "\n"
	}

	var b strings.Builder
	header := fmt.Sprintf("%s pending from %s", plural(len(ch.Commits), "commit"), ch.Upstream)
	b.WriteString(updateBannerStyle.Render(header))
	b.WriteString(" ")
	b.WriteString(secondaryStyle.Render("via " + ch.Source))
	b.WriteString("\n")
	for _, c := range ch.Commits {
		b.WriteString(hashStyle.Render(c.ShortHash()))
		b.WriteString(" ")
		b.WriteString(c.Subject)
		if c.Author != "" {
			b.WriteString(" ")
			b.WriteString(secondaryStyle.Render("(" + c.Author + ")"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderInstallResult summarizes an install run.
func RenderInstallResult(res orchestrator.Result) string {
	var b strings.Builder
	switch {
	case res.Detached && res.Terminal != "":
		b.WriteString(okBannerStyle.Render("Installer opened in " + res.Terminal))
	case res.Detached:
		b.WriteString(warnStyle.Render("Installer started in background"))
	case res.Succeeded():
		b.WriteString(okBannerStyle.Render("✓ Install finished"))
	case res.ExitCode != 0:
		b.WriteString(errorStyle.Render(fmt.Sprintf("✗ Installer exited with status %d", res.ExitCode)))
	default:
		b.WriteString(errorStyle.Render(fmt.Sprintf("✗ Post script exited with status %d", res.PostScriptExit)))
	}
	b.WriteString("\n")

	if !res.Detached && res.After.OK {
		if res.After.HasUpdates() {
			b.WriteString(warnStyle.Render(fmt.Sprintf("still %s behind upstream", plural(res.After.Behind, "commit"))))
		} else {
			b.WriteString(secondaryStyle.Render("repository is up to date"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func writeField(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
