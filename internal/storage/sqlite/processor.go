package sqlite

import (
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/storage"
)

// fromMatchCandidates enumerates every link source URL that covers the
// changed resource URL: the URL itself, its normalized form with a
// leading separator, and every ancestor prefix with and without a
// trailing separator. The finite set turns hierarchical matching into
// a plain IN clause.
func fromMatchCandidates(resURL, sep string) []string {
	normalized := resURL
	if !strings.HasPrefix(normalized, sep) {
		normalized = sep + normalized
	}
	seen := map[string]bool{}
	var cands []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			cands = append(cands, s)
		}
	}
	add(resURL)
	add(normalized)
	for i := 0; i+len(sep) <= len(normalized); i++ {
		if normalized[i:i+len(sep)] == sep {
			add(normalized[:i])
			add(normalized[:i+len(sep)])
		}
	}
	return cands
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rewriteURL maps an endpoint URL through a rename of oldURL to newURL,
// covering both the renamed resource itself and path descendants.
func rewriteURL(url, oldURL, newURL, sep string) (string, bool) {
	if url == oldURL {
		return newURL, true
	}
	if model.MatchesPrefix(oldURL, url, sep) {
		return newURL + strings.TrimPrefix(url, oldURL), true
	}
	return url, false
}

// fromMatchingKeys returns the keys of links in the group whose source
// endpoint covers resURL.
func (b *Branch) fromMatchingKeys(tx *sql.Tx, toolID, rgURL, resURL, sep string) ([]model.LinkKey, error) {
	cands := fromMatchCandidates(resURL, sep)
	args := make([]any, 0, len(cands)+2)
	args = append(args, toolID, rgURL)
	for _, c := range cands {
		args = append(args, c)
	}
	return b.loadLinkKeys(tx,
		" AND from_tool_id = ? AND from_rg_url = ? AND from_url IN ("+placeholders(len(cands))+")",
		args...)
}

// markLinkDirtyTx flips the link dirty, pinning last_clean_version on
// the first transition, and pushes inferred dirtiness downstream
// through a breadth-first walk of the link table. Newly inserted
// entries gate the traversal so cycles terminate.
func (b *Branch) markLinkDirtyTx(tx *sql.Tx, key model.LinkKey, origVersion string) error {
	_, err := tx.Exec(
		"UPDATE link SET last_clean_version = ? WHERE branch = ? AND dirty = 0 AND "+linkKeyCond,
		append([]any{origVersion, b.name}, keyArgs(key)...)...)
	if err != nil {
		return err
	}
	_, err = tx.Exec("UPDATE link SET dirty = 1 WHERE branch = ? AND "+linkKeyCond,
		append([]any{b.name}, keyArgs(key)...)...)
	if err != nil {
		return err
	}

	visited := map[model.ResourceRef]bool{}
	queue := []model.ResourceRef{key.To}
	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		visited[cur] = true
		downstream, err := b.loadLinkKeys(tx,
			" AND from_tool_id = ? AND from_rg_url = ? AND from_url = ?",
			cur.ToolID, cur.ResourceGroupURL, cur.URL)
		if err != nil {
			return err
		}
		for _, dk := range downstream {
			if dk == key {
				continue
			}
			res, err := tx.Exec(
				"INSERT INTO inferred_dirtiness (branch, "+linkCols+", "+
					"source_tool_id, source_rg_url, source_url, source_last_clean_version) "+
					"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
				append(append([]any{b.name}, keyArgs(dk)...),
					key.From.ToolID, key.From.ResourceGroupURL, key.From.URL, origVersion)...)
			if err != nil {
				return err
			}
			added, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if added > 0 && !visited[dk.To] {
				queue = append(queue, dk.To)
			}
		}
	}
	return nil
}

// UpdateResourceGroup applies a tool-reported change set. Updates for
// groups the branch never saw are ignored. Returns the links dirtied by
// the change.
func (b *Branch) UpdateResourceGroup(change *model.ResourceGroupChange) ([]*model.Link, error) {
	var dirtiedKeys []model.LinkKey
	err := b.withTx(func(tx *sql.Tx) error {
		var origVersion string
		err := tx.QueryRow(
			"SELECT version FROM resource_group WHERE branch = ? AND tool_id = ? AND url = ?",
			b.name, change.ToolID, change.URL).Scan(&origVersion)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			"UPDATE resource_group SET version = ? WHERE branch = ? AND tool_id = ? AND url = ?",
			change.Version, b.name, change.ToolID, change.URL)
		if err != nil {
			return err
		}

		sep := b.db.cfg.Separator(change.ToolID)
		dirtySeen := map[model.LinkKey]bool{}
		markDirty := func(key model.LinkKey) error {
			if err := b.markLinkDirtyTx(tx, key, origVersion); err != nil {
				return err
			}
			if !dirtySeen[key] {
				dirtySeen[key] = true
				dirtiedKeys = append(dirtiedKeys, key)
			}
			return nil
		}
		// A rename rewrites stored endpoints, so keys collected before
		// it must follow the new URLs.
		remapDirtied := func(oldURL, newURL string) {
			rewrite := func(ref *model.ResourceRef) {
				if !ref.InGroup(change.ToolID, change.URL) {
					return
				}
				if url, ok := rewriteURL(ref.URL, oldURL, newURL, sep); ok {
					ref.URL = url
				}
			}
			dirtySeen = map[model.LinkKey]bool{}
			for i := range dirtiedKeys {
				rewrite(&dirtiedKeys[i].From)
				rewrite(&dirtiedKeys[i].To)
				dirtySeen[dirtiedKeys[i]] = true
			}
		}

		for _, rc := range change.Resources {
			if rc.ChangeType == model.ChangeAdded || rc.ChangeType == model.ChangeModified {
				keys, err := b.fromMatchingKeys(tx, change.ToolID, change.URL, rc.URL, sep)
				if err != nil {
					return err
				}
				for _, key := range keys {
					if err := markDirty(key); err != nil {
						return err
					}
				}
			}

			switch {
			case rc.ChangeType == model.ChangeRenamed ||
				(rc.ChangeType == model.ChangeModified && rc.ChangesIdentity()):
				if err := b.applyRenameTx(tx, change, rc, sep); err != nil {
					return err
				}
				newURL := rc.NewURL
				if newURL == "" {
					newURL = rc.URL
				}
				remapDirtied(rc.URL, newURL)

			case rc.ChangeType == model.ChangeRemoved:
				if err := b.applyRemoveTx(tx, change, rc, sep, markDirty); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(dirtiedKeys) == 0 {
		return nil, nil
	}

	var dirtied []*model.Link
	for _, key := range dirtiedKeys {
		links, err := b.loadLinks(b.db.sql, " AND "+linkKeyCond, keyArgs(key)...)
		if err != nil {
			return nil, err
		}
		dirtied = append(dirtied, links...)
	}
	return dirtied, nil
}

// rewriteURLColumn maps one URL column through a rename: the exact URL
// becomes newURL, and path descendants keep their suffix behind the new
// prefix. prefix is "from_", "to_" or "source_".
func (b *Branch) rewriteURLColumn(tx *sql.Tx, table, prefix, toolID, rgURL, oldURL, newURL, sep string) error {
	urlCol := prefix + "url"
	toolCond := prefix + "tool_id = ? AND " + prefix + "rg_url = ?"

	_, err := tx.Exec(
		"UPDATE "+table+" SET "+urlCol+" = ? WHERE branch = ? AND "+toolCond+" AND "+urlCol+" = ?",
		newURL, b.name, toolID, rgURL, oldURL)
	if err != nil {
		return err
	}

	descPrefix := oldURL
	if !strings.HasSuffix(descPrefix, sep) {
		descPrefix += sep
	}
	// substr is character based, so the offsets are rune counts.
	_, err = tx.Exec(
		"UPDATE "+table+" SET "+urlCol+" = ? || substr("+urlCol+", ?) "+
			"WHERE branch = ? AND "+toolCond+" AND substr("+urlCol+", 1, ?) = ? AND "+urlCol+" <> ?",
		newURL, utf8.RuneCountInString(oldURL)+1,
		b.name, toolID, rgURL,
		utf8.RuneCountInString(descPrefix), descPrefix, oldURL)
	return err
}

// applyRenameTx rewrites the renamed resource and every link endpoint
// and inferred source that referenced it, either exactly or as a path
// descendant. Pure renames never dirty anything.
func (b *Branch) applyRenameTx(tx *sql.Tx, change *model.ResourceGroupChange, rc *model.ResourceChange, sep string) error {
	newURL := rc.NewURL
	if newURL == "" {
		newURL = rc.URL
	}
	newName := rc.NewName
	if newName == "" {
		newName = rc.Name
	}
	newID := rc.NewID
	if newID == "" {
		newID = rc.ID
	}

	columns := []struct {
		table, prefix string
	}{
		{"link", "from_"},
		{"link", "to_"},
		{"inferred_dirtiness", "from_"},
		{"inferred_dirtiness", "to_"},
		{"inferred_dirtiness", "source_"},
	}
	for _, c := range columns {
		if err := b.rewriteURLColumn(tx, c.table, c.prefix, change.ToolID, change.URL, rc.URL, newURL, sep); err != nil {
			return err
		}
	}

	_, err := tx.Exec(
		"UPDATE resource SET url = ?, name = ?, id = ? WHERE branch = ? AND tool_id = ? AND rg_url = ? AND url = ?",
		newURL, newName, newID, b.name, change.ToolID, change.URL, rc.URL)
	return err
}

// applyRemoveTx handles a Removed change: inferred entries sourced from
// the resource are dropped, from-links are dirtied (exact matches stay
// as tombstones pinning the resource), to-links are deleted
// immediately. The resource row is physically removed unless a
// tombstoned from-link still needs it.
func (b *Branch) applyRemoveTx(tx *sql.Tx, change *model.ResourceGroupChange, rc *model.ResourceChange, sep string, markDirty func(model.LinkKey) error) error {
	_, err := tx.Exec(
		"DELETE FROM inferred_dirtiness WHERE branch = ? AND source_tool_id = ? AND source_rg_url = ? AND source_url = ?",
		b.name, change.ToolID, change.URL, rc.URL)
	if err != nil {
		return err
	}

	keys, err := b.fromMatchingKeys(tx, change.ToolID, change.URL, rc.URL, sep)
	if err != nil {
		return err
	}
	removeResource := true
	for _, key := range keys {
		if err := markDirty(key); err != nil {
			return err
		}
		if key.From.URL == rc.URL {
			removeResource = false
			_, err := tx.Exec(
				"UPDATE link SET deleted = 1 WHERE branch = ? AND "+linkKeyCond,
				append([]any{b.name}, keyArgs(key)...)...)
			if err != nil {
				return err
			}
		}
	}
	if !removeResource {
		_, err := tx.Exec(
			"UPDATE resource SET deleted = 1 WHERE branch = ? AND tool_id = ? AND rg_url = ? AND url = ?",
			b.name, change.ToolID, change.URL, rc.URL)
		if err != nil {
			return err
		}
	}

	toCond := " AND to_tool_id = ? AND to_rg_url = ? AND to_url = ?"
	toArgs := []any{change.ToolID, change.URL, rc.URL}
	_, err = tx.Exec("DELETE FROM inferred_dirtiness WHERE branch = ?"+toCond,
		append([]any{b.name}, toArgs...)...)
	if err != nil {
		return err
	}
	_, err = tx.Exec("DELETE FROM link WHERE branch = ?"+toCond,
		append([]any{b.name}, toArgs...)...)
	if err != nil {
		return err
	}

	if removeResource {
		_, err := tx.Exec(
			"DELETE FROM resource WHERE branch = ? AND tool_id = ? AND rg_url = ? AND url = ?",
			b.name, change.ToolID, change.URL, rc.URL)
		return err
	}
	return nil
}

// MarkLinksClean clears dirtiness on each named link. Tombstoned links
// are physically removed afterwards; a source resource whose tombstone
// no longer participates in any surviving link is pruned together with
// inferred entries referencing it. With propagate set, the link's own
// source is also scrubbed from downstream inferred sets.
func (b *Branch) MarkLinksClean(keys []model.LinkKey, propagate bool) ([]*model.Link, error) {
	var cleaned []*model.Link
	err := b.withTx(func(tx *sql.Tx) error {
		for _, key := range keys {
			links, err := b.loadLinks(tx, " AND "+linkKeyCond, keyArgs(key)...)
			if err != nil {
				return err
			}
			if len(links) == 0 {
				continue
			}
			link := links[0]
			_, err = tx.Exec(
				"UPDATE link SET dirty = 0, last_clean_version = '' WHERE branch = ? AND "+linkKeyCond,
				append([]any{b.name}, keyArgs(key)...)...)
			if err != nil {
				return err
			}
			link.Dirty = false
			link.LastCleanVersion = ""
			cleaned = append(cleaned, link)

			if link.Deleted {
				_, err := tx.Exec("DELETE FROM link WHERE branch = ? AND "+linkKeyCond,
					append([]any{b.name}, keyArgs(key)...)...)
				if err != nil {
					return err
				}
				_, err = tx.Exec("DELETE FROM inferred_dirtiness WHERE branch = ? AND "+linkKeyCond,
					append([]any{b.name}, keyArgs(key)...)...)
				if err != nil {
					return err
				}
				if err := b.pruneSourceTx(tx, key.From); err != nil {
					return err
				}
			}
			if propagate {
				if _, err := b.markInferredCleanTx(tx, key, key.From, true); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cleaned, nil
}

// pruneSourceTx removes a tombstoned resource once no surviving link
// references it, and scrubs inferred entries pointing at it.
func (b *Branch) pruneSourceTx(tx *sql.Tx, ref model.ResourceRef) error {
	var deleted bool
	err := tx.QueryRow(
		"SELECT deleted FROM resource WHERE branch = ? AND tool_id = ? AND rg_url = ? AND url = ?",
		b.name, ref.ToolID, ref.ResourceGroupURL, ref.URL).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}

	var one int
	err = tx.QueryRow(
		"SELECT 1 FROM link WHERE branch = ? AND deleted = 0 AND "+
			"((from_tool_id = ? AND from_rg_url = ? AND from_url = ?) OR "+
			"(to_tool_id = ? AND to_rg_url = ? AND to_url = ?)) LIMIT 1",
		b.name, ref.ToolID, ref.ResourceGroupURL, ref.URL,
		ref.ToolID, ref.ResourceGroupURL, ref.URL).Scan(&one)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.Exec(
		"DELETE FROM resource WHERE branch = ? AND tool_id = ? AND rg_url = ? AND url = ?",
		b.name, ref.ToolID, ref.ResourceGroupURL, ref.URL)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"DELETE FROM inferred_dirtiness WHERE branch = ? AND source_tool_id = ? AND source_rg_url = ? AND source_url = ?",
		b.name, ref.ToolID, ref.ResourceGroupURL, ref.URL)
	return err
}

// MarkInferredDirtinessClean removes one inferred source from a link,
// walking downstream when propagate is set. Returns the (link, source)
// pairs actually removed.
func (b *Branch) MarkInferredDirtinessClean(key model.LinkKey, source model.ResourceRef, propagate bool) ([]storage.InferredClean, error) {
	var cleaned []storage.InferredClean
	err := b.withTx(func(tx *sql.Tx) error {
		var err error
		cleaned, err = b.markInferredCleanTx(tx, key, source, propagate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cleaned, nil
}

func (b *Branch) removeInferredTx(tx *sql.Tx, key model.LinkKey, source model.ResourceRef) (bool, error) {
	res, err := tx.Exec(
		"DELETE FROM inferred_dirtiness WHERE branch = ? AND "+linkKeyCond+
			" AND source_tool_id = ? AND source_rg_url = ? AND source_url = ?",
		append(append([]any{b.name}, keyArgs(key)...),
			source.ToolID, source.ResourceGroupURL, source.URL)...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (b *Branch) markInferredCleanTx(tx *sql.Tx, key model.LinkKey, source model.ResourceRef, propagate bool) ([]storage.InferredClean, error) {
	var cleaned []storage.InferredClean
	if !propagate {
		removed, err := b.removeInferredTx(tx, key, source)
		if err != nil {
			return nil, err
		}
		if removed {
			cleaned = append(cleaned, storage.InferredClean{Link: key, Source: source})
		}
		return cleaned, nil
	}

	var one int
	err := tx.QueryRow("SELECT 1 FROM link WHERE branch = ? AND "+linkKeyCond,
		append([]any{b.name}, keyArgs(key)...)...).Scan(&one)
	var queue []model.LinkKey
	switch {
	case err == nil:
		queue = append(queue, key)
	case errors.Is(err, sql.ErrNoRows):
		// The target may have just been removed; continue the walk from
		// its former downstream neighbors.
		queue, err = b.loadLinkKeys(tx,
			" AND from_tool_id = ? AND from_rg_url = ? AND from_url = ?",
			key.To.ToolID, key.To.ResourceGroupURL, key.To.URL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	processed := map[model.LinkKey]bool{}
	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if processed[cur] {
			continue
		}
		processed[cur] = true
		removed, err := b.removeInferredTx(tx, cur, source)
		if err != nil {
			return nil, err
		}
		if removed {
			cleaned = append(cleaned, storage.InferredClean{Link: cur, Source: source})
		}
		downstream, err := b.loadLinkKeys(tx,
			" AND from_tool_id = ? AND from_rg_url = ? AND from_url = ?",
			cur.To.ToolID, cur.To.ResourceGroupURL, cur.To.URL)
		if err != nil {
			return nil, err
		}
		for _, next := range downstream {
			if !processed[next] {
				queue = append(queue, next)
			}
		}
	}
	return cleaned, nil
}
