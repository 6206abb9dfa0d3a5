package healer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harrison/healloop/internal/models"
)

type fileGroup struct {
	path string
	errs []models.ClassifiedError
}

// escalate groups errs by file and asks the repairer for one replacement per
// file, at most MaxEscalationFiles files, in the order their most severe
// error appears.
func (d *Dispatcher) escalate(ctx context.Context, projectID string, iteration int, errs []models.ClassifiedError, result *models.FixResult) {
	if d.repairer == nil {
		result.FailedFixes = append(result.FailedFixes,
			fmt.Sprintf("ai_surgical: no code repairer configured, %d error(s) left unhandled", len(errs)))
		return
	}

	groups := d.groupByFile(ctx, projectID, errs, result)
	if len(groups) > d.cfg.MaxEscalationFiles {
		d.debugf("escalation limited to %d of %d files", d.cfg.MaxEscalationFiles, len(groups))
		groups = groups[:d.cfg.MaxEscalationFiles]
	}

	for _, g := range groups {
		if err := d.repairFile(ctx, projectID, iteration, g, result); err != nil {
			d.warnf("ai_surgical %s failed: %v", g.path, err)
			result.FailedFixes = append(result.FailedFixes, fmt.Sprintf("ai_surgical (%s): %v", g.path, err))
		}
	}
}

func (d *Dispatcher) groupByFile(ctx context.Context, projectID string, errs []models.ClassifiedError, result *models.FixResult) []*fileGroup {
	var (
		groups   []*fileGroup
		index    = make(map[string]*fileGroup)
		listed   []string
		didList  bool
		entry    string
		didEntry bool
	)
	listFiles := func() []string {
		if !didList {
			didList = true
			files, err := d.ws.ListFiles(ctx, projectID)
			if err != nil {
				d.warnf("list files of %s: %v", projectID, err)
			}
			listed = files
		}
		return listed
	}
	entryPoint := func() string {
		if !didEntry {
			didEntry = true
			entry = d.entryPoint(ctx, projectID)
		}
		return entry
	}

	for _, e := range errs {
		path := d.resolveFile(ctx, projectID, e.AffectedFile, listFiles)
		if path == "" {
			path = entryPoint()
		}
		if path == "" {
			result.FailedFixes = append(result.FailedFixes,
				fmt.Sprintf("ai_surgical (%s): no file to repair for %q", e.Category, e.RawMessage))
			continue
		}
		g, ok := index[path]
		if !ok {
			g = &fileGroup{path: path}
			index[path] = g
			groups = append(groups, g)
		}
		g.errs = append(g.errs, e)
	}
	return groups
}

// resolveFile maps an extracted path onto an existing project file, or "".
func (d *Dispatcher) resolveFile(ctx context.Context, projectID, file string, listFiles func() []string) string {
	if file == "" {
		return ""
	}
	rel := strings.TrimPrefix(file, "./")
	if !strings.HasPrefix(rel, "/") {
		if ok, err := d.ws.Exists(ctx, projectID, rel); err == nil && ok {
			return rel
		}
	}
	for _, f := range listFiles() {
		if strings.HasSuffix(rel, "/"+f) || strings.HasSuffix(f, "/"+rel) {
			return f
		}
	}
	return ""
}

// entryPoint returns the first configured entry file that exists.
func (d *Dispatcher) entryPoint(ctx context.Context, projectID string) string {
	for _, p := range d.cfg.EntryPoints {
		if ok, err := d.ws.Exists(ctx, projectID, p); err == nil && ok {
			return p
		}
	}
	return ""
}

func (d *Dispatcher) repairFile(ctx context.Context, projectID string, iteration int, g *fileGroup, result *models.FixResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	content, err := d.ws.ReadFile(ctx, projectID, g.path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	res, err := d.repairer.Repair(ctx, g.path, string(content), g.errs)
	if err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	if res == nil || strings.TrimSpace(res.Content) == "" {
		return errors.New("repairer returned empty content")
	}

	if err := d.ws.WriteFile(ctx, projectID, g.path, []byte(res.Content)); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	desc := fmt.Sprintf("ai_surgical: rewrote %s for %d error(s)", g.path, len(g.errs))
	d.infof("%s", desc)
	result.AppliedFixes = append(result.AppliedFixes, desc)
	result.EscalatedFiles = append(result.EscalatedFiles, g.path)

	if d.healLog != nil {
		summary := res.Summary
		if summary == "" {
			summary = desc
		}
		entry := d.newHealLogEntry(projectID, iteration, g.path, g.errs, summary, len(content), len(res.Content))
		if err := d.healLog.AppendHealLog(ctx, entry); err != nil {
			d.warnf("append heal log for %s: %v", g.path, err)
		}
	}
	return nil
}
