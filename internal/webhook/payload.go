package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Gitea webhook headers.
const (
	headerEvent     = "X-Gitea-Event"
	headerDelivery  = "X-Gitea-Delivery"
	headerSignature = "X-Gitea-Signature"
)

// Supported event kinds.
const (
	kindIssues       = "issues"
	kindPullRequest  = "pull_request"
	kindIssueComment = "issue_comment"
	kindPush         = "push"
	kindRelease      = "release"
	kindPipeline     = "workflow_run"
)

type repoPayload struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
}

type userPayload struct {
	Login string `json:"login"`
}

type issuePayload struct {
	Number  int64  `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
}

type prPayload struct {
	Number  int64  `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

type commentPayload struct {
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

type commitPayload struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	URL     string `json:"url"`
}

type releasePayload struct {
	TagName string `json:"tag_name"`
	Name    string `json:"name"`
	HTMLURL string `json:"html_url"`
}

type workflowRunPayload struct {
	Title      string `json:"title"`
	Conclusion string `json:"conclusion"`
	HeadBranch string `json:"head_branch"`
	HTMLURL    string `json:"html_url"`
}

// delivery is the decoded envelope of one webhook POST. Only the fields
// relevant to the event kind are populated.
type delivery struct {
	Kind        string
	Action      string              `json:"action"`
	Issue       *issuePayload       `json:"issue"`
	PullRequest *prPayload          `json:"pull_request"`
	Comment     *commentPayload     `json:"comment"`
	Repository  repoPayload         `json:"repository"`
	Sender      userPayload         `json:"sender"`
	Ref         string              `json:"ref"`
	Commits     []commitPayload     `json:"commits"`
	Release     *releasePayload     `json:"release"`
	WorkflowRun *workflowRunPayload `json:"workflow_run"`
}

func parseDelivery(kind string, body []byte) (*delivery, error) {
	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	d.Kind = kind
	switch kind {
	case kindIssues:
		if d.Issue == nil {
			return nil, fmt.Errorf("%s payload missing issue", kind)
		}
	case kindIssueComment:
		if d.Issue == nil {
			return nil, fmt.Errorf("%s payload missing issue", kind)
		}
		if d.Comment == nil {
			return nil, fmt.Errorf("issue_comment payload missing comment")
		}
	case kindPullRequest:
		if d.PullRequest == nil {
			return nil, fmt.Errorf("pull_request payload missing pull_request")
		}
	case kindRelease:
		if d.Release == nil {
			return nil, fmt.Errorf("release payload missing release")
		}
	case kindPipeline:
		if d.WorkflowRun == nil {
			return nil, fmt.Errorf("workflow_run payload missing workflow_run")
		}
	}
	if d.Repository.FullName == "" {
		return nil, fmt.Errorf("%s payload missing repository", kind)
	}
	return &d, nil
}

// branch strips the refs/heads/ prefix of a push ref.
func (d *delivery) branch() string {
	return strings.TrimPrefix(d.Ref, "refs/heads/")
}

// summary renders the one-line human description appended to the thread.
func (d *delivery) summary() string {
	repo := d.Repository.FullName
	switch d.Kind {
	case kindIssues:
		return fmt.Sprintf("Issue #%d %s in %s: %s\n%s",
			d.Issue.Number, d.Action, repo, d.Issue.Title, d.Issue.HTMLURL)
	case kindPullRequest:
		action := d.Action
		if d.Action == "closed" && d.PullRequest.Merged {
			action = "merged"
		}
		return fmt.Sprintf("PR #%d %s in %s: %s\n%s",
			d.PullRequest.Number, action, repo, d.PullRequest.Title, d.PullRequest.HTMLURL)
	case kindIssueComment:
		body := d.Comment.Body
		if len(body) > 500 {
			body = body[:500] + "…"
		}
		return fmt.Sprintf("Comment on #%d in %s by %s:\n%s\n%s",
			d.Issue.Number, repo, d.Sender.Login, body, d.Comment.HTMLURL)
	case kindPush:
		var lines []string
		lines = append(lines, fmt.Sprintf("Push to %s (%s), %d commit(s):", repo, d.branch(), len(d.Commits)))
		for i, c := range d.Commits {
			if i == 5 {
				lines = append(lines, fmt.Sprintf("… and %d more", len(d.Commits)-5))
				break
			}
			msg, _, _ := strings.Cut(c.Message, "\n")
			lines = append(lines, fmt.Sprintf("  %.8s %s", c.ID, msg))
		}
		return strings.Join(lines, "\n")
	case kindRelease:
		return fmt.Sprintf("Release %s %s in %s: %s\n%s",
			d.Release.TagName, d.Action, repo, d.Release.Name, d.Release.HTMLURL)
	case kindPipeline:
		return fmt.Sprintf("Pipeline %q on %s/%s finished: %s\n%s",
			d.WorkflowRun.Title, repo, d.WorkflowRun.HeadBranch, d.WorkflowRun.Conclusion, d.WorkflowRun.HTMLURL)
	}
	return fmt.Sprintf("%s event in %s", d.Kind, repo)
}
