package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gigi-dev/gigi/internal/forge"
)

// NewGiteaTool exposes the forge through a single action-dispatched tool.
// Write actions are recorded in the action log so the webhook ingester can
// drop the echo deliveries they trigger.
func NewGiteaTool(client *forge.Client, actions ActionLogger) Definition {
	return Definition{
		Name:        "gitea",
		Description: "Interact with the Gitea forge: list repos, read and create issues, open pull requests, comment",
		Permission:  PermForge,
		Timeout:     time.Minute,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type": "string",
					"enum": []any{
						"list_repos", "list_issues", "get_issue", "create_issue",
						"get_pr", "create_pr", "comment", "search_issues",
					},
				},
				"repo":   map[string]any{"type": "string", "description": "Repository as owner/name"},
				"number": map[string]any{"type": "integer", "description": "Issue or PR number"},
				"title":  map[string]any{"type": "string"},
				"body":   map[string]any{"type": "string"},
				"head":   map[string]any{"type": "string", "description": "Source branch for create_pr"},
				"base":   map[string]any{"type": "string", "description": "Target branch for create_pr"},
				"query":  map[string]any{"type": "string", "description": "Search terms for search_issues"},
			},
			"required":             []any{"action"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			if client == nil {
				return ErrorResult("gitea is not configured")
			}
			action, _ := inv.Input["action"].(string)
			repo, _ := inv.Input["repo"].(string)
			number := intArg(inv.Input, "number")

			switch action {
			case "list_repos":
				repos, err := client.ListRepos(ctx)
				if err != nil {
					return ErrorResult(err.Error())
				}
				if len(repos) == 0 {
					return NewResult("no repositories visible to this token")
				}
				var sb strings.Builder
				for _, r := range repos {
					fmt.Fprintf(&sb, "%s", r.FullName)
					if r.Private {
						sb.WriteString(" (private)")
					}
					if r.Description != "" {
						sb.WriteString(" - " + r.Description)
					}
					sb.WriteString("\n")
				}
				return NewResult(strings.TrimRight(sb.String(), "\n"))

			case "list_issues":
				if repo == "" {
					return ErrorResult("repo is required for list_issues")
				}
				issues, err := client.ListIssues(ctx, repo)
				if err != nil {
					return ErrorResult(err.Error())
				}
				if len(issues) == 0 {
					return NewResult("no open issues in " + repo)
				}
				var sb strings.Builder
				for _, is := range issues {
					fmt.Fprintf(&sb, "#%d [%s] %s\n", is.Number, is.State, is.Title)
				}
				return NewResult(strings.TrimRight(sb.String(), "\n"))

			case "get_issue":
				if repo == "" || number == 0 {
					return ErrorResult("repo and number are required for get_issue")
				}
				issue, err := client.GetIssue(ctx, repo, number)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return NewResult(fmt.Sprintf("#%d [%s] %s\nauthor: %s\n\n%s",
					issue.Number, issue.State, issue.Title, issue.User.Login, issue.Body))

			case "create_issue":
				title, _ := inv.Input["title"].(string)
				body, _ := inv.Input["body"].(string)
				if repo == "" || title == "" {
					return ErrorResult("repo and title are required for create_issue")
				}
				issue, err := client.CreateIssue(ctx, repo, title, body)
				if err != nil {
					return ErrorResult(err.Error())
				}
				if actions != nil {
					actions.LogAction(ctx, "issue_create", repo, fmt.Sprintf("%d", issue.Number), body)
				}
				return NewResult(fmt.Sprintf("opened issue #%d: %s", issue.Number, issue.HTMLURL))

			case "get_pr":
				if repo == "" || number == 0 {
					return ErrorResult("repo and number are required for get_pr")
				}
				pr, err := client.GetPull(ctx, repo, number)
				if err != nil {
					return ErrorResult(err.Error())
				}
				state := pr.State
				if pr.Merged {
					state = "merged"
				}
				return NewResult(fmt.Sprintf("PR #%d [%s] %s\n%s -> %s\n\n%s",
					pr.Number, state, pr.Title, pr.Head.Ref, pr.Base.Ref, pr.Body))

			case "create_pr":
				title, _ := inv.Input["title"].(string)
				body, _ := inv.Input["body"].(string)
				head, _ := inv.Input["head"].(string)
				base, _ := inv.Input["base"].(string)
				if repo == "" || title == "" || head == "" {
					return ErrorResult("repo, title and head are required for create_pr")
				}
				if base == "" {
					base = "main"
				}
				pr, err := client.CreatePull(ctx, repo, title, body, head, base)
				if err != nil {
					return ErrorResult(err.Error())
				}
				if actions != nil {
					actions.LogAction(ctx, "pr_create", repo, fmt.Sprintf("%d", pr.Number), body)
				}
				return NewResult(fmt.Sprintf("opened PR #%d: %s", pr.Number, pr.HTMLURL))

			case "comment":
				body, _ := inv.Input["body"].(string)
				if repo == "" || number == 0 || body == "" {
					return ErrorResult("repo, number and body are required for comment")
				}
				comment, err := client.CreateComment(ctx, repo, number, body)
				if err != nil {
					return ErrorResult(err.Error())
				}
				if actions != nil {
					actions.LogAction(ctx, "comment_create", repo, fmt.Sprintf("%d", number), body)
				}
				return NewResult(fmt.Sprintf("commented on #%d: %s", number, comment.HTMLURL))

			case "search_issues":
				query, _ := inv.Input["query"].(string)
				if query == "" {
					return ErrorResult("query is required for search_issues")
				}
				issues, err := client.SearchIssues(ctx, query)
				if err != nil {
					return ErrorResult(err.Error())
				}
				if len(issues) == 0 {
					return NewResult("no issues match " + query)
				}
				var sb strings.Builder
				for _, is := range issues {
					fmt.Fprintf(&sb, "#%d [%s] %s\n", is.Number, is.State, is.Title)
				}
				return NewResult(strings.TrimRight(sb.String(), "\n"))

			default:
				return ErrorResult("unknown action " + action)
			}
		},
	}
}

// intArg reads a numeric argument that JSON decoding may have produced as
// float64 or json.Number-shaped string.
func intArg(input map[string]any, key string) int64 {
	switch v := input[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
