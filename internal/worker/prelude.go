package worker

// preludePy is prepended to every python execution. It exposes a small
// read-only `brain` module over the store so submitted code can query
// memories without write access. The store path arrives via BRAIN_DB.
const preludePy = `import json as _brain_json
import os as _brain_os
import sqlite3 as _brain_sqlite3
import sys as _brain_sys
import types as _brain_types

def _brain_connect():
    path = _brain_os.environ.get("BRAIN_DB", "")
    if not path:
        raise RuntimeError("brain store unavailable")
    return _brain_sqlite3.connect("file:%s?mode=ro" % path, uri=True)

def _brain_decode(value, compressed):
    if compressed:
        import gzip as _gz
        value = _gz.decompress(value)
    if isinstance(value, bytes):
        value = value.decode("utf-8")
    return _brain_json.loads(value)

def _brain_query(sql, params=()):
    con = _brain_connect()
    try:
        cur = con.execute(sql, params)
        cols = [d[0] for d in cur.description]
        return [dict(zip(cols, row)) for row in cur.fetchall()]
    finally:
        con.close()

def _brain_get_memories(keys):
    con = _brain_connect()
    try:
        out = {}
        for key in keys:
            row = con.execute(
                "SELECT value, is_compressed FROM memories WHERE key = ?",
                (key,)).fetchone()
            if row is not None:
                out[key] = _brain_decode(row[0], row[1])
        return out
    finally:
        con.close()

def _brain_search_memories(query, limit=10):
    terms = " OR ".join('"%s"*' % t.replace('"', '""') for t in query.split())
    if not terms:
        return []
    rows = _brain_query(
        "SELECT m.key, m.value, m.is_compressed, m.type "
        "FROM memories_fts JOIN memories m ON m.rowid = memories_fts.rowid "
        "WHERE memories_fts MATCH ? AND m.storage_tier IN ('hot','warm') "
        "AND m.is_private = 0 "
        "ORDER BY (-bm25(memories_fts)) * m.memory_score DESC LIMIT ?",
        (terms, limit))
    return [{"key": r["key"], "type": r["type"],
             "value": _brain_decode(r["value"], r["is_compressed"])} for r in rows]

brain = _brain_types.ModuleType("brain")
brain.query = _brain_query
brain.get_memories = _brain_get_memories
brain.search_memories = _brain_search_memories
_brain_sys.modules["brain"] = brain
del _brain_types
`
