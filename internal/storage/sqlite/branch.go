package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/storage"
)

// Branch is a named slice of the shared database. It holds no state of
// its own; every method runs SQL scoped to the branch column.
type Branch struct {
	db    *DB
	name  string
	isTag bool
}

// Name returns the branch name.
func (b *Branch) Name() string { return b.name }

// IsTag reports whether the branch is an immutable tag.
func (b *Branch) IsTag() bool { return b.isTag }

func (b *Branch) mutable() error {
	if b.isTag {
		return storage.ErrTagImmutable
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// withTx runs fn inside a write transaction, serialized with every
// other writer on the database.
func (b *Branch) withTx(fn func(tx *sql.Tx) error) error {
	if err := b.mutable(); err != nil {
		return err
	}
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	tx, err := b.db.sql.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const linkCols = "from_tool_id, from_rg_url, from_url, to_tool_id, to_rg_url, to_url"

const linkKeyCond = "from_tool_id = ? AND from_rg_url = ? AND from_url = ? AND " +
	"to_tool_id = ? AND to_rg_url = ? AND to_url = ?"

func keyArgs(key model.LinkKey) []any {
	return []any{key.From.ToolID, key.From.ResourceGroupURL, key.From.URL,
		key.To.ToolID, key.To.ResourceGroupURL, key.To.URL}
}

// loadLinks fetches links (with their inferred-dirtiness entries) that
// satisfy cond, which is appended to the branch filter.
func (b *Branch) loadLinks(q querier, cond string, args ...any) ([]*model.Link, error) {
	query := "SELECT " + linkCols + ", dirty, deleted, last_clean_version FROM link WHERE branch = ?" + cond
	rows, err := q.Query(query, append([]any{b.name}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*model.Link
	for rows.Next() {
		link := &model.Link{}
		err := rows.Scan(
			&link.FromRes.ToolID, &link.FromRes.ResourceGroupURL, &link.FromRes.URL,
			&link.ToRes.ToolID, &link.ToRes.ResourceGroupURL, &link.ToRes.URL,
			&link.Dirty, &link.Deleted, &link.LastCleanVersion)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, link := range links {
		if err := b.loadInferred(q, link); err != nil {
			return nil, err
		}
	}
	return links, nil
}

func (b *Branch) loadInferred(q querier, link *model.Link) error {
	rows, err := q.Query(
		"SELECT source_tool_id, source_rg_url, source_url, source_last_clean_version "+
			"FROM inferred_dirtiness WHERE branch = ? AND "+linkKeyCond,
		append([]any{b.name}, keyArgs(link.Key())...)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var inf model.InferredDirtiness
		err := rows.Scan(&inf.Source.ToolID, &inf.Source.ResourceGroupURL,
			&inf.Source.URL, &inf.LastCleanVersion)
		if err != nil {
			return err
		}
		link.Inferred = append(link.Inferred, inf)
	}
	return rows.Err()
}

// loadLinkKeys fetches only the endpoint pairs of links matching cond.
func (b *Branch) loadLinkKeys(q querier, cond string, args ...any) ([]model.LinkKey, error) {
	query := "SELECT " + linkCols + " FROM link WHERE branch = ?" + cond
	rows, err := q.Query(query, append([]any{b.name}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []model.LinkKey
	for rows.Next() {
		var key model.LinkKey
		err := rows.Scan(&key.From.ToolID, &key.From.ResourceGroupURL, &key.From.URL,
			&key.To.ToolID, &key.To.ResourceGroupURL, &key.To.URL)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// loader materializes links, caching group and resource rows for the
// duration of one query.
type loader struct {
	b         *Branch
	q         querier
	groups    map[[2]string]*model.ResourceGroup
	resources map[model.ResourceRef]*model.Resource
}

func (b *Branch) newLoader(q querier) *loader {
	return &loader{
		b:         b,
		q:         q,
		groups:    map[[2]string]*model.ResourceGroup{},
		resources: map[model.ResourceRef]*model.Resource{},
	}
}

// group returns the group row, or nil when absent.
func (ld *loader) group(toolID, url string) (*model.ResourceGroup, error) {
	cacheKey := [2]string{toolID, url}
	if rg, ok := ld.groups[cacheKey]; ok {
		return rg, nil
	}
	var name, version string
	err := ld.q.QueryRow(
		"SELECT name, version FROM resource_group WHERE branch = ? AND tool_id = ? AND url = ?",
		ld.b.name, toolID, url).Scan(&name, &version)
	if errors.Is(err, sql.ErrNoRows) {
		ld.groups[cacheKey] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rg := model.NewResourceGroup(name, toolID, url, version)
	ld.groups[cacheKey] = rg
	return rg, nil
}

// resource returns the resource row including tombstones, or nil when
// absent.
func (ld *loader) resource(ref model.ResourceRef) (*model.Resource, error) {
	if res, ok := ld.resources[ref]; ok {
		return res, nil
	}
	var res model.Resource
	err := ld.q.QueryRow(
		"SELECT name, id, url, deleted FROM resource WHERE branch = ? AND tool_id = ? AND rg_url = ? AND url = ?",
		ld.b.name, ref.ToolID, ref.ResourceGroupURL, ref.URL).
		Scan(&res.Name, &res.ID, &res.URL, &res.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		ld.resources[ref] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ld.resources[ref] = &res
	return &res, nil
}

// materialize expands a link into full group/resource form. Endpoints
// resolve with deleted resources included so dirty tombstones stay
// visible; missing inferred sources are skipped.
func (ld *loader) materialize(link *model.Link) (*model.LinkWithResources, error) {
	fromRG, err := ld.group(link.FromRes.ToolID, link.FromRes.ResourceGroupURL)
	if err != nil {
		return nil, err
	}
	fromRes, err := ld.resource(link.FromRes)
	if err != nil {
		return nil, err
	}
	if fromRG == nil || fromRes == nil {
		return nil, fmt.Errorf("%w: link source %s %s %s", storage.ErrNotFound,
			link.FromRes.ToolID, link.FromRes.ResourceGroupURL, link.FromRes.URL)
	}
	toRG, err := ld.group(link.ToRes.ToolID, link.ToRes.ResourceGroupURL)
	if err != nil {
		return nil, err
	}
	toRes, err := ld.resource(link.ToRes)
	if err != nil {
		return nil, err
	}
	if toRG == nil || toRes == nil {
		return nil, fmt.Errorf("%w: link target %s %s %s", storage.ErrNotFound,
			link.ToRes.ToolID, link.ToRes.ResourceGroupURL, link.ToRes.URL)
	}
	lw := &model.LinkWithResources{
		FromGroup:        fromRG,
		FromRes:          fromRes,
		ToGroup:          toRG,
		ToRes:            toRes,
		Dirty:            link.Dirty,
		Deleted:          link.Deleted,
		LastCleanVersion: link.LastCleanVersion,
	}
	for _, inf := range link.Inferred {
		infRG, err := ld.group(inf.Source.ToolID, inf.Source.ResourceGroupURL)
		if err != nil {
			return nil, err
		}
		infRes, err := ld.resource(inf.Source)
		if err != nil {
			return nil, err
		}
		if infRG == nil || infRes == nil {
			continue
		}
		lw.Inferred = append(lw.Inferred, model.InferredResource{
			Group:            infRG,
			Resource:         infRes,
			LastCleanVersion: inf.LastCleanVersion,
		})
	}
	return lw, nil
}

// GetResourceGroups returns every group in the branch with its
// resources.
func (b *Branch) GetResourceGroups() ([]*model.ResourceGroup, error) {
	rows, err := b.db.sql.Query(
		"SELECT tool_id, url, name, version FROM resource_group WHERE branch = ?", b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []*model.ResourceGroup
	for rows.Next() {
		var toolID, url, name, version string
		if err := rows.Scan(&toolID, &url, &name, &version); err != nil {
			return nil, err
		}
		groups = append(groups, model.NewResourceGroup(name, toolID, url, version))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rg := range groups {
		if err := b.loadGroupResources(b.db.sql, rg); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (b *Branch) loadGroupResources(q querier, rg *model.ResourceGroup) error {
	rows, err := q.Query(
		"SELECT url, name, id, deleted FROM resource WHERE branch = ? AND tool_id = ? AND rg_url = ?",
		b.name, rg.ToolID, rg.URL)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var res model.Resource
		if err := rows.Scan(&res.URL, &res.Name, &res.ID, &res.Deleted); err != nil {
			return err
		}
		rg.Resources[res.URL] = &res
	}
	return rows.Err()
}

// GetResourceGroup returns the group with the given identity.
func (b *Branch) GetResourceGroup(toolID, url string) (*model.ResourceGroup, error) {
	var name, version string
	err := b.db.sql.QueryRow(
		"SELECT name, version FROM resource_group WHERE branch = ? AND tool_id = ? AND url = ?",
		b.name, toolID, url).Scan(&name, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: resource group %s %s", storage.ErrNotFound, toolID, url)
	}
	if err != nil {
		return nil, err
	}
	rg := model.NewResourceGroup(name, toolID, url, version)
	if err := b.loadGroupResources(b.db.sql, rg); err != nil {
		return nil, err
	}
	return rg, nil
}

// GetLastKnownVersion returns the version Depi last saw for a group.
func (b *Branch) GetLastKnownVersion(toolID, url string) (string, error) {
	var version string
	err := b.db.sql.QueryRow(
		"SELECT version FROM resource_group WHERE branch = ? AND tool_id = ? AND url = ?",
		b.name, toolID, url).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: resource group %s %s", storage.ErrNotFound, toolID, url)
	}
	return version, err
}

// AddResourceGroup inserts the group if its identity is free. The
// group's resources land only when the group itself is new.
func (b *Branch) AddResourceGroup(rg *model.ResourceGroup) error {
	return b.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"INSERT INTO resource_group (branch, tool_id, url, name, version) VALUES (?, ?, ?, ?, ?) "+
				"ON CONFLICT (branch, tool_id, url) DO NOTHING",
			b.name, rg.ToolID, rg.URL, rg.Name, rg.Version)
		if err != nil {
			return err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return nil
		}
		for _, r := range rg.Resources {
			_, err := tx.Exec(
				"INSERT INTO resource (branch, tool_id, rg_url, url, name, id, deleted) VALUES (?, ?, ?, ?, ?, ?, 0) "+
					"ON CONFLICT (branch, tool_id, rg_url, url) DO NOTHING",
				b.name, rg.ToolID, rg.URL, r.URL, r.Name, r.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// EditResourceGroup rewrites a group's identity and version. Link
// endpoints and inferred sources referencing the group follow the new
// identity so no ref dangles.
func (b *Branch) EditResourceGroup(toolID, url, newToolID, newURL, newName, newVersion string) error {
	return b.withTx(func(tx *sql.Tx) error {
		var name, version string
		err := tx.QueryRow(
			"SELECT name, version FROM resource_group WHERE branch = ? AND tool_id = ? AND url = ?",
			b.name, toolID, url).Scan(&name, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: resource group %s %s", storage.ErrNotFound, toolID, url)
		}
		if err != nil {
			return err
		}
		if newToolID == "" {
			newToolID = toolID
		}
		if newURL == "" {
			newURL = url
		}
		if newName == "" {
			newName = name
		}
		if newVersion == "" {
			newVersion = version
		}

		_, err = tx.Exec(
			"UPDATE resource_group SET tool_id = ?, url = ?, name = ?, version = ? "+
				"WHERE branch = ? AND tool_id = ? AND url = ?",
			newToolID, newURL, newName, newVersion, b.name, toolID, url)
		if err != nil {
			return err
		}
		if newToolID == toolID && newURL == url {
			return nil
		}

		updates := []string{
			"UPDATE resource SET tool_id = ?, rg_url = ? WHERE branch = ? AND tool_id = ? AND rg_url = ?",
			"UPDATE link SET from_tool_id = ?, from_rg_url = ? WHERE branch = ? AND from_tool_id = ? AND from_rg_url = ?",
			"UPDATE link SET to_tool_id = ?, to_rg_url = ? WHERE branch = ? AND to_tool_id = ? AND to_rg_url = ?",
			"UPDATE inferred_dirtiness SET from_tool_id = ?, from_rg_url = ? WHERE branch = ? AND from_tool_id = ? AND from_rg_url = ?",
			"UPDATE inferred_dirtiness SET to_tool_id = ?, to_rg_url = ? WHERE branch = ? AND to_tool_id = ? AND to_rg_url = ?",
			"UPDATE inferred_dirtiness SET source_tool_id = ?, source_rg_url = ? WHERE branch = ? AND source_tool_id = ? AND source_rg_url = ?",
		}
		for _, stmt := range updates {
			if _, err := tx.Exec(stmt, newToolID, newURL, b.name, toolID, url); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveResourceGroup deletes the group, every link referencing it and
// every inferred entry touching it.
func (b *Branch) RemoveResourceGroup(toolID, url string) error {
	return b.withTx(func(tx *sql.Tx) error {
		stmts := []struct {
			query string
			args  []any
		}{
			{"DELETE FROM inferred_dirtiness WHERE branch = ? AND " +
				"((from_tool_id = ? AND from_rg_url = ?) OR (to_tool_id = ? AND to_rg_url = ?) OR " +
				"(source_tool_id = ? AND source_rg_url = ?))",
				[]any{b.name, toolID, url, toolID, url, toolID, url}},
			{"DELETE FROM link WHERE branch = ? AND " +
				"((from_tool_id = ? AND from_rg_url = ?) OR (to_tool_id = ? AND to_rg_url = ?))",
				[]any{b.name, toolID, url, toolID, url}},
			{"DELETE FROM resource WHERE branch = ? AND tool_id = ? AND rg_url = ?",
				[]any{b.name, toolID, url}},
			{"DELETE FROM resource_group WHERE branch = ? AND tool_id = ? AND url = ?",
				[]any{b.name, toolID, url}},
		}
		for _, s := range stmts {
			if _, err := tx.Exec(s.query, s.args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Branch) addResourceTx(tx *sql.Tx, toolID, rgURL, rgName, rgVersion string, res *model.Resource) error {
	_, err := tx.Exec(
		"INSERT INTO resource_group (branch, tool_id, url, name, version) VALUES (?, ?, ?, ?, ?) "+
			"ON CONFLICT (branch, tool_id, url) DO NOTHING",
		b.name, toolID, rgURL, rgName, rgVersion)
	if err != nil {
		return err
	}
	// A re-added tombstone revives; an existing live row is untouched.
	_, err = tx.Exec(
		"INSERT INTO resource (branch, tool_id, rg_url, url, name, id, deleted) VALUES (?, ?, ?, ?, ?, ?, 0) "+
			"ON CONFLICT (branch, tool_id, rg_url, url) DO UPDATE SET deleted = 0",
		b.name, toolID, rgURL, res.URL, res.Name, res.ID)
	return err
}

// AddResource inserts a resource, creating the owning group when it is
// absent.
func (b *Branch) AddResource(toolID, rgURL, rgName, rgVersion string, res *model.Resource) error {
	return b.withTx(func(tx *sql.Tx) error {
		return b.addResourceTx(tx, toolID, rgURL, rgName, rgVersion, res)
	})
}

// RemoveResource tombstones a resource and marks every link touching it
// deleted. The returned links drive notifications.
func (b *Branch) RemoveResource(ref model.ResourceRef) ([]*model.Link, error) {
	var touched []*model.Link
	err := b.withTx(func(tx *sql.Tx) error {
		var deleted bool
		err := tx.QueryRow(
			"SELECT deleted FROM resource WHERE branch = ? AND tool_id = ? AND rg_url = ? AND url = ?",
			b.name, ref.ToolID, ref.ResourceGroupURL, ref.URL).Scan(&deleted)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
			return fmt.Errorf("%w: resource %s %s %s", storage.ErrNotFound,
				ref.ToolID, ref.ResourceGroupURL, ref.URL)
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			"UPDATE resource SET deleted = 1 WHERE branch = ? AND tool_id = ? AND rg_url = ? AND url = ?",
			b.name, ref.ToolID, ref.ResourceGroupURL, ref.URL)
		if err != nil {
			return err
		}

		refCond := " AND ((from_tool_id = ? AND from_rg_url = ? AND from_url = ?) OR " +
			"(to_tool_id = ? AND to_rg_url = ? AND to_url = ?))"
		refArgs := []any{ref.ToolID, ref.ResourceGroupURL, ref.URL,
			ref.ToolID, ref.ResourceGroupURL, ref.URL}
		touched, err = b.loadLinks(tx, refCond, refArgs...)
		if err != nil {
			return err
		}
		_, err = tx.Exec("UPDATE link SET deleted = 1 WHERE branch = ?"+refCond,
			append([]any{b.name}, refArgs...)...)
		if err != nil {
			return err
		}
		for _, link := range touched {
			link.Deleted = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// GetResource resolves a ref to the live resource.
func (b *Branch) GetResource(ref model.ResourceRef) (*model.Resource, error) {
	var res model.Resource
	err := b.db.sql.QueryRow(
		"SELECT name, id, url, deleted FROM resource WHERE branch = ? AND tool_id = ? AND rg_url = ? AND url = ? AND deleted = 0",
		b.name, ref.ToolID, ref.ResourceGroupURL, ref.URL).
		Scan(&res.Name, &res.ID, &res.URL, &res.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: resource %s %s %s", storage.ErrNotFound,
			ref.ToolID, ref.ResourceGroupURL, ref.URL)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GetResourceByID finds a resource by tool-assigned id within a group.
func (b *Branch) GetResourceByID(toolID, rgURL, id string) (*model.Resource, error) {
	var res model.Resource
	err := b.db.sql.QueryRow(
		"SELECT name, id, url, deleted FROM resource WHERE branch = ? AND tool_id = ? AND rg_url = ? AND id = ?",
		b.name, toolID, rgURL, id).
		Scan(&res.Name, &res.ID, &res.URL, &res.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: resource id %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GetResources returns groups holding only the resources that match
// one of the patterns.
func (b *Branch) GetResources(patterns []model.ResourceRefPattern, includeDeleted bool) ([]*model.ResourceGroup, error) {
	results := map[[2]string]*model.ResourceGroup{}
	var order []*model.ResourceGroup
	err := b.StreamResources(patterns, includeDeleted, func(rg *model.ResourceGroup, res *model.Resource) bool {
		key := [2]string{rg.ToolID, rg.URL}
		out, ok := results[key]
		if !ok {
			out = model.NewResourceGroup(rg.Name, rg.ToolID, rg.URL, rg.Version)
			results[key] = out
			order = append(order, out)
		}
		out.Resources[res.URL] = res
		return true
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// StreamResources yields matching resources one at a time.
func (b *Branch) StreamResources(patterns []model.ResourceRefPattern, includeDeleted bool, visit storage.ResourceVisitor) error {
	for _, p := range patterns {
		cp, err := p.Compile()
		if err != nil {
			return fmt.Errorf("bad URL pattern %q: %w", p.URLPattern, err)
		}
		query := "SELECT r.url, r.name, r.id, r.deleted, rg.name, rg.version " +
			"FROM resource r JOIN resource_group rg " +
			"ON rg.branch = r.branch AND rg.tool_id = r.tool_id AND rg.url = r.rg_url " +
			"WHERE r.branch = ? AND r.tool_id = ? AND r.rg_url = ?"
		if !includeDeleted {
			query += " AND r.deleted = 0"
		}
		rows, err := b.db.sql.Query(query, b.name, p.ToolID, p.ResourceGroupURL)
		if err != nil {
			return err
		}
		var rg *model.ResourceGroup
		for rows.Next() {
			var res model.Resource
			var rgName, rgVersion string
			if err := rows.Scan(&res.URL, &res.Name, &res.ID, &res.Deleted, &rgName, &rgVersion); err != nil {
				rows.Close()
				return err
			}
			if !cp.MatchesURL(res.URL) {
				continue
			}
			if rg == nil {
				rg = model.NewResourceGroup(rgName, p.ToolID, p.ResourceGroupURL, rgVersion)
			}
			r := res
			if !visit(rg, &r) {
				rows.Close()
				return nil
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

func (b *Branch) resourceExists(q querier, ref model.ResourceRef) (bool, error) {
	var one int
	err := q.QueryRow(
		"SELECT 1 FROM resource WHERE branch = ? AND tool_id = ? AND rg_url = ? AND url = ?",
		b.name, ref.ToolID, ref.ResourceGroupURL, ref.URL).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (b *Branch) addLinkTx(tx *sql.Tx, link *model.Link) error {
	ok, err := b.resourceExists(tx, link.FromRes)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: link source %s %s %s", storage.ErrNotFound,
			link.FromRes.ToolID, link.FromRes.ResourceGroupURL, link.FromRes.URL)
	}
	ok, err = b.resourceExists(tx, link.ToRes)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: link target %s %s %s", storage.ErrNotFound,
			link.ToRes.ToolID, link.ToRes.ResourceGroupURL, link.ToRes.URL)
	}

	res, err := tx.Exec(
		"INSERT INTO link (branch, "+linkCols+", dirty, deleted, last_clean_version) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?) ON CONFLICT DO NOTHING",
		append(append([]any{b.name}, keyArgs(link.Key())...), link.Dirty, link.LastCleanVersion)...)
	if err != nil {
		return err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		// Re-adding an existing link revives a tombstone and leaves
		// the dirty state alone.
		_, err := tx.Exec("UPDATE link SET deleted = 0 WHERE branch = ? AND "+linkKeyCond,
			append([]any{b.name}, keyArgs(link.Key())...)...)
		return err
	}
	for _, inf := range link.Inferred {
		_, err := tx.Exec(
			"INSERT INTO inferred_dirtiness (branch, "+linkCols+", "+
				"source_tool_id, source_rg_url, source_url, source_last_clean_version) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
			append(append([]any{b.name}, keyArgs(link.Key())...),
				inf.Source.ToolID, inf.Source.ResourceGroupURL, inf.Source.URL, inf.LastCleanVersion)...)
		if err != nil {
			return err
		}
	}
	return nil
}

// AddLink inserts a link between existing resources.
func (b *Branch) AddLink(link *model.Link) error {
	return b.withTx(func(tx *sql.Tx) error {
		return b.addLinkTx(tx, link)
	})
}

// RemoveLink physically deletes the link with the given endpoints.
func (b *Branch) RemoveLink(key model.LinkKey) error {
	return b.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM link WHERE branch = ? AND "+linkKeyCond,
			append([]any{b.name}, keyArgs(key)...)...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: link", storage.ErrNotFound)
		}
		_, err = tx.Exec("DELETE FROM inferred_dirtiness WHERE branch = ? AND "+linkKeyCond,
			append([]any{b.name}, keyArgs(key)...)...)
		return err
	})
}

// GetLinks returns live links matching any of the endpoint patterns.
func (b *Branch) GetLinks(patterns []model.ResourceLinkPattern) ([]*model.LinkWithResources, error) {
	var links []*model.LinkWithResources
	err := b.StreamLinks(patterns, func(link *model.LinkWithResources) bool {
		links = append(links, link)
		return true
	})
	return links, err
}

// StreamLinks yields live matching links one at a time. A link matched
// by several patterns is yielded once.
func (b *Branch) StreamLinks(patterns []model.ResourceLinkPattern, visit storage.LinkVisitor) error {
	ld := b.newLoader(b.db.sql)
	seen := map[model.LinkKey]bool{}
	for _, p := range patterns {
		cp, err := p.Compile()
		if err != nil {
			return fmt.Errorf("bad link pattern: %w", err)
		}
		candidates, err := b.loadLinks(b.db.sql,
			" AND deleted = 0 AND from_tool_id = ? AND from_rg_url = ? AND to_tool_id = ? AND to_rg_url = ?",
			cp.From.ToolID, cp.From.RGURL, cp.To.ToolID, cp.To.RGURL)
		if err != nil {
			return err
		}
		for _, link := range candidates {
			if seen[link.Key()] || !cp.MatchesLink(link) {
				continue
			}
			seen[link.Key()] = true
			lw, err := ld.materialize(link)
			if err != nil {
				return err
			}
			if !visit(lw) {
				return nil
			}
		}
	}
	return nil
}

// GetAllLinks returns every link, optionally including tombstones.
func (b *Branch) GetAllLinks(includeDeleted bool) ([]*model.LinkWithResources, error) {
	var links []*model.LinkWithResources
	err := b.StreamAllLinks(includeDeleted, func(link *model.LinkWithResources) bool {
		links = append(links, link)
		return true
	})
	return links, err
}

// StreamAllLinks yields every link one at a time.
func (b *Branch) StreamAllLinks(includeDeleted bool, visit storage.LinkVisitor) error {
	cond := ""
	if !includeDeleted {
		cond = " AND deleted = 0"
	}
	links, err := b.loadLinks(b.db.sql, cond)
	if err != nil {
		return err
	}
	ld := b.newLoader(b.db.sql)
	for _, link := range links {
		lw, err := ld.materialize(link)
		if err != nil {
			return err
		}
		if !visit(lw) {
			return nil
		}
	}
	return nil
}

// GetDirtyLinks returns links into the group that are dirty, or carry
// inferred dirtiness when withInferred is set.
func (b *Branch) GetDirtyLinks(toolID, rgURL string, withInferred bool) ([]*model.LinkWithResources, error) {
	var links []*model.LinkWithResources
	err := b.StreamDirtyLinks(toolID, rgURL, withInferred, func(link *model.LinkWithResources) bool {
		links = append(links, link)
		return true
	})
	return links, err
}

// StreamDirtyLinks yields dirty links into the group one at a time.
func (b *Branch) StreamDirtyLinks(toolID, rgURL string, withInferred bool, visit storage.LinkVisitor) error {
	links, err := b.loadLinks(b.db.sql,
		" AND deleted = 0 AND to_tool_id = ? AND to_rg_url = ?", toolID, rgURL)
	if err != nil {
		return err
	}
	ld := b.newLoader(b.db.sql)
	for _, link := range links {
		if !link.Dirty && !(withInferred && len(link.Inferred) > 0) {
			continue
		}
		lw, err := ld.materialize(link)
		if err != nil {
			return err
		}
		if !visit(lw) {
			return nil
		}
	}
	return nil
}

// ExpandLinks materializes the given links, preferring the branch's
// stored state for each endpoint pair.
func (b *Branch) ExpandLinks(links []*model.Link) ([]*model.LinkWithResources, error) {
	ld := b.newLoader(b.db.sql)
	expanded := make([]*model.LinkWithResources, 0, len(links))
	for _, link := range links {
		stored, err := b.loadLinks(b.db.sql, " AND "+linkKeyCond, keyArgs(link.Key())...)
		if err != nil {
			return nil, err
		}
		if len(stored) == 1 {
			link = stored[0]
		}
		lw, err := ld.materialize(link)
		if err != nil {
			return nil, err
		}
		expanded = append(expanded, lw)
	}
	return expanded, nil
}

// linksWithResource returns live links whose seed-side endpoint is ref.
func (b *Branch) linksWithResource(ref model.ResourceRef, upstream bool) ([]*model.Link, error) {
	cond := " AND deleted = 0 AND from_tool_id = ? AND from_rg_url = ? AND from_url = ?"
	if upstream {
		cond = " AND deleted = 0 AND to_tool_id = ? AND to_rg_url = ? AND to_url = ?"
	}
	return b.loadLinks(b.db.sql, cond, ref.ToolID, ref.ResourceGroupURL, ref.URL)
}

// GetDependencyGraph walks the link graph breadth-first from the seed.
// maxDepth <= 0 means unbounded; traversal is cycle-safe by link
// identity.
func (b *Branch) GetDependencyGraph(ref model.ResourceRef, upstream bool, maxDepth int) ([]*model.LinkWithResources, error) {
	type workItem struct {
		link  *model.Link
		depth int
	}
	processed := map[model.LinkKey]bool{}
	var found []*model.Link

	seeds, err := b.linksWithResource(ref, upstream)
	if err != nil {
		return nil, err
	}
	work := []workItem{}
	for _, link := range seeds {
		work = append(work, workItem{link, 1})
	}
	for len(work) > 0 {
		var next []workItem
		for _, item := range work {
			if processed[item.link.Key()] || (maxDepth > 0 && item.depth > maxDepth) {
				continue
			}
			processed[item.link.Key()] = true
			found = append(found, item.link)
			seed := item.link.ToRes
			if upstream {
				seed = item.link.FromRes
			}
			deps, err := b.linksWithResource(seed, upstream)
			if err != nil {
				return nil, err
			}
			for _, dep := range deps {
				if !processed[dep.Key()] {
					next = append(next, workItem{dep, item.depth + 1})
				}
			}
		}
		work = next
	}

	ld := b.newLoader(b.db.sql)
	expanded := make([]*model.LinkWithResources, 0, len(found))
	for _, link := range found {
		lw, err := ld.materialize(link)
		if err != nil {
			return nil, err
		}
		expanded = append(expanded, lw)
	}
	return expanded, nil
}

// BulkAdd applies a blackboard promotion: staged groups must match the
// branch's current version for groups the branch already knows, then
// all resources and links land together.
func (b *Branch) BulkAdd(groups []*model.ResourceGroup, links []*model.Link) error {
	return b.withTx(func(tx *sql.Tx) error {
		for _, rg := range groups {
			var version string
			err := tx.QueryRow(
				"SELECT version FROM resource_group WHERE branch = ? AND tool_id = ? AND url = ?",
				b.name, rg.ToolID, rg.URL).Scan(&version)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if version != rg.Version {
				return fmt.Errorf("%w: group %s %s is at %s, staged at %s",
					storage.ErrVersionMismatch, rg.ToolID, rg.URL, version, rg.Version)
			}
		}
		for _, rg := range groups {
			for _, res := range rg.Resources {
				if err := b.addResourceTx(tx, rg.ToolID, rg.URL, rg.Name, rg.Version, res); err != nil {
					return err
				}
			}
		}
		for _, link := range links {
			if err := b.addLinkTx(tx, link); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveState bumps the branch version counter. Row changes are already
// durable per transaction.
func (b *Branch) SaveState() error {
	return b.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE branch SET last_version = last_version + 1 WHERE name = ?", b.name)
		return err
	})
}
