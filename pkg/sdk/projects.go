package sdk

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// NoVersionCheck disables optimistic concurrency for a file command.
// Pass it as expectedVersion when last-writer-wins is acceptable.
const NoVersionCheck int64 = -1

// fileCommand is the shared body of the project file endpoints. The
// expected_version field is always sent: omitting it would read as
// "expect version 0" on the hub side.
type fileCommand struct {
	Path            string `json:"path,omitempty"`
	Content         string `json:"content,omitempty"`
	OldPath         string `json:"old_path,omitempty"`
	NewPath         string `json:"new_path,omitempty"`
	AgentID         string `json:"agent_id"`
	SessionID       string `json:"session_id,omitempty"`
	ExpectedVersion int64  `json:"expected_version"`
}

func (c *Client) command(ctx context.Context, method, path string, cmd fileCommand) (*CommandResult, error) {
	cmd.AgentID = c.config.AgentID
	cmd.SessionID = c.SessionID()

	var out CommandResult
	if err := c.do(ctx, method, path, &cmd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WriteFile creates or replaces one file in the project. The write is
// an event append: the hub assigns the next sequence number and bumps
// the file version.
//
// expectedVersion guards against lost updates: pass the project version
// your state came from, and the hub rejects the write with 409 if
// someone moved the project forward in between. Pass NoVersionCheck to
// skip the guard.
func (c *Client) WriteFile(ctx context.Context, projectID, path, content string, expectedVersion int64) (*CommandResult, error) {
	return c.command(ctx, "POST", "/api/v1/projects/"+url.PathEscape(projectID)+"/files", fileCommand{
		Path:            path,
		Content:         content,
		ExpectedVersion: expectedVersion,
	})
}

// DeleteFile tombstones one file. The history stays readable through
// History and Diff.
func (c *Client) DeleteFile(ctx context.Context, projectID, path string, expectedVersion int64) (*CommandResult, error) {
	return c.command(ctx, "DELETE", "/api/v1/projects/"+url.PathEscape(projectID)+"/files", fileCommand{
		Path:            path,
		ExpectedVersion: expectedVersion,
	})
}

// MoveFile renames a file, keeping its version history connected.
func (c *Client) MoveFile(ctx context.Context, projectID, oldPath, newPath string, expectedVersion int64) (*CommandResult, error) {
	return c.command(ctx, "POST", "/api/v1/projects/"+url.PathEscape(projectID)+"/files/move", fileCommand{
		OldPath:         oldPath,
		NewPath:         newPath,
		ExpectedVersion: expectedVersion,
	})
}

// CreateDir records an explicit directory. Parent directories of
// written files exist implicitly; this is for empty scaffolding.
func (c *Client) CreateDir(ctx context.Context, projectID, path string, expectedVersion int64) (*CommandResult, error) {
	return c.command(ctx, "POST", "/api/v1/projects/"+url.PathEscape(projectID)+"/dirs", fileCommand{
		Path:            path,
		ExpectedVersion: expectedVersion,
	})
}

// State fetches the project's live projection: every file at its
// current version, plus tombstones.
func (c *Client) State(ctx context.Context, projectID string) (*ProjectState, error) {
	var out ProjectState
	if err := c.do(ctx, "GET", "/api/v1/projects/"+url.PathEscape(projectID)+"/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events lists the project's event log, newest filters applied
// hub-side. A zero EventQuery returns the server-default page.
func (c *Client) Events(ctx context.Context, projectID string, q EventQuery) ([]Event, error) {
	vals := url.Values{}
	if q.Type != "" {
		vals.Set("type", q.Type)
	}
	if q.Agent != "" {
		vals.Set("agent", q.Agent)
	}
	if !q.Since.IsZero() {
		vals.Set("since", q.Since.Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		vals.Set("until", q.Until.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}

	path := "/api/v1/projects/" + url.PathEscape(projectID) + "/events"
	if len(vals) > 0 {
		path += "?" + vals.Encode()
	}

	var out struct {
		Events []Event `json:"events"`
		Total  int     `json:"total"`
	}
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// History rebuilds the project state as it stood at the given instant.
func (c *Client) History(ctx context.Context, projectID string, at time.Time) (*ProjectState, error) {
	vals := url.Values{}
	vals.Set("at", at.Format(time.RFC3339))

	var out ProjectState
	if err := c.do(ctx, "GET", "/api/v1/projects/"+url.PathEscape(projectID)+"/history?"+vals.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Diff compares one file between two instants and returns a unified
// patch.
func (c *Client) Diff(ctx context.Context, projectID, path string, from, to time.Time) (*FileDiff, error) {
	vals := url.Values{}
	vals.Set("path", path)
	vals.Set("from", from.Format(time.RFC3339))
	vals.Set("to", to.Format(time.RFC3339))

	var out FileDiff
	if err := c.do(ctx, "GET", "/api/v1/projects/"+url.PathEscape(projectID)+"/diff?"+vals.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
