package sandbox

import (
	"os"
	"path/filepath"
)

// EntrypointName is the artefact file rendered into the IPC directory and
// executed as the container's PID 1 interpreter script.
const EntrypointName = "entrypoint.py"

// WriteEntrypoint renders the sandbox-side runtime into dir and returns the
// in-container path of the artefact.
func WriteEntrypoint(dir string) (string, error) {
	hostPath := filepath.Join(dir, EntrypointName)
	if err := os.WriteFile(hostPath, []byte(entrypointSource), 0o644); err != nil {
		return "", err
	}
	return "/ipc/" + EntrypointName, nil
}

// entrypointSource is the sandbox side of the broker protocol: framed IO over
// stdin/stdout, stream proxies, an RPC-call primitive with correlated ids, a
// tool proxy per allowed server, persistent helpers, and a single-threaded
// execute loop. Metadata arrives via environment at boot and is refreshed
// from every execute frame, so one container serves invocations with
// differing allowed sets.
const entrypointSource = `import asyncio
import inspect
import json
import os
import re
import sys
import time
import traceback
import types
from pathlib import Path


def _load_env_json(name, default):
    raw = os.environ.get(name)
    if not raw:
        return default
    try:
        return json.loads(raw)
    except Exception:
        return default


AVAILABLE_SERVERS = _load_env_json("MCP_AVAILABLE_SERVERS", [])
DISCOVERED_SERVERS = _load_env_json("MCP_DISCOVERED_SERVERS", {})
USER_TOOLS_PATH = Path("/projects/user_tools.py")
MEMORY_DIR = Path("/projects/memory")

_PENDING_RESPONSES = {}
_REQUEST_COUNTER = 0
_EXECUTION_QUEUE = asyncio.Queue()
_CURRENT_EXECUTION = None


def _send_message(message):
    sys.__stdout__.write(json.dumps(message, separators=(",", ":")) + "\n")
    sys.__stdout__.flush()


class _StreamProxy:
    def __init__(self, kind):
        self._kind = kind

    def write(self, data):
        if not data:
            return
        _send_message({"type": self._kind, "data": data})

    def flush(self):
        pass

    def isatty(self):
        return False


sys.stdout = _StreamProxy("stdout")
sys.stderr = _StreamProxy("stderr")


async def _stdin_reader():
    loop = asyncio.get_running_loop()
    reader = asyncio.StreamReader()
    protocol = asyncio.StreamReaderProtocol(reader)
    await loop.connect_read_pipe(lambda: protocol, sys.stdin)

    while True:
        line = await reader.readline()
        if not line:
            await _EXECUTION_QUEUE.put(None)
            return
        try:
            message = json.loads(line.decode())
        except Exception:
            continue

        msg_type = message.get("type")
        if msg_type == "rpc_response":
            request_id = message.get("id")
            future = _PENDING_RESPONSES.pop(request_id, None)
            if future and not future.done():
                if message.get("success", True):
                    future.set_result(message.get("payload"))
                else:
                    future.set_exception(RuntimeError(message.get("error", "RPC error")))
        elif msg_type == "execute":
            await _EXECUTION_QUEUE.put(message)
        elif msg_type == "cancel":
            task = _CURRENT_EXECUTION
            if task and not task.done():
                task.cancel()


async def _rpc_call(payload):
    loop = asyncio.get_running_loop()
    global _REQUEST_COUNTER
    _REQUEST_COUNTER += 1
    request_id = _REQUEST_COUNTER
    future = loop.create_future()
    _PENDING_RESPONSES[request_id] = future
    _send_message({"type": "rpc_request", "id": request_id, "payload": payload})
    try:
        return await future
    finally:
        _PENDING_RESPONSES.pop(request_id, None)


class MCPError(RuntimeError):
    pass


def _lookup_server(name):
    for server in AVAILABLE_SERVERS:
        if server.get("name") == name:
            return server
    raise MCPError("Server %r is not loaded" % (name,))


def _normalise_detail(value):
    detail = str(value).lower() if value is not None else "summary"
    return detail if detail in ("summary", "full") else "summary"


def _format_tool_doc(server_info, tool_info, detail):
    doc = {
        "server": server_info.get("name"),
        "serverAlias": server_info.get("alias"),
        "tool": tool_info.get("name"),
        "toolAlias": tool_info.get("alias"),
    }
    description = tool_info.get("description")
    if description:
        doc["description"] = description
    if detail == "full" and tool_info.get("input_schema") is not None:
        doc["inputSchema"] = tool_info.get("input_schema")
    return doc


async def call_tool(server, tool, arguments=None):
    response = await _rpc_call({
        "type": "call_tool",
        "server": server,
        "tool": tool,
        "arguments": arguments or {},
    })
    if not response.get("success", True):
        raise MCPError(response.get("error", "MCP request failed"))
    return response.get("result")


async def list_tools(server):
    response = await _rpc_call({"type": "list_tools", "server": server})
    if not response.get("success", True):
        raise MCPError(response.get("error", "MCP request failed"))
    return response.get("tools", [])


async def list_servers():
    response = await _rpc_call({"type": "list_servers"})
    if not response.get("success", True):
        raise MCPError(response.get("error", "MCP request failed"))
    return tuple(response.get("servers", ()))


async def query_tool_docs(server, tool=None, detail="summary"):
    payload = {"type": "query_tool_docs", "server": server}
    if tool is not None:
        payload["tool"] = tool
    if detail is not None:
        payload["detail"] = detail
    response = await _rpc_call(payload)
    if not response.get("success", True):
        raise MCPError(response.get("error", "MCP request failed"))
    docs = response.get("docs", [])
    if tool is not None and isinstance(docs, list) and len(docs) == 1:
        return docs[0]
    return docs


async def search_tool_docs(query, limit=5, detail="summary"):
    payload = {"type": "search_tool_docs", "query": query}
    if limit is not None:
        payload["limit"] = limit
    if detail is not None:
        payload["detail"] = detail
    response = await _rpc_call(payload)
    if not response.get("success", True):
        raise MCPError(response.get("error", "MCP request failed"))
    return response.get("results", [])


def list_servers_sync():
    return tuple(server.get("name") for server in AVAILABLE_SERVERS if server.get("name"))


def discovered_servers(detailed=False):
    if detailed:
        return tuple({"name": k, "description": v} for k, v in DISCOVERED_SERVERS.items())
    return tuple(DISCOVERED_SERVERS.keys())


def describe_server(name):
    return _lookup_server(name)


def list_loaded_server_metadata():
    return tuple(AVAILABLE_SERVERS)


def list_tools_sync(server=None):
    if server is None:
        raise MCPError("list_tools_sync(server) requires a server name")
    info = _lookup_server(server)
    return tuple(info.get("tools", ()) or ())


def query_tool_docs_sync(server, tool=None, detail="summary"):
    info = _lookup_server(server)
    detail_value = _normalise_detail(detail)
    tools = info.get("tools", ()) or ()
    if tool is None:
        return [_format_tool_doc(info, tool_info, detail_value) for tool_info in tools]
    if not isinstance(tool, str):
        raise MCPError("'tool' must be a string when provided")
    target = tool.lower()
    for candidate in tools:
        alias_value = str(candidate.get("alias", "")).lower()
        name_value = str(candidate.get("name", "")).lower()
        if target in (alias_value, name_value):
            return [_format_tool_doc(info, candidate, detail_value)]
    raise MCPError("Tool %r not found for server %s" % (tool, server))


def search_tool_docs_sync(query, limit=5, detail="summary"):
    tokens = [token for token in str(query).lower().split() if token]
    if not tokens:
        return []
    detail_value = _normalise_detail(detail)
    try:
        capped = max(1, min(20, int(limit)))
    except Exception:
        capped = 5
    matches = []
    for server_info in AVAILABLE_SERVERS:
        server_keywords = " ".join(
            filter(None, (server_info.get("name"), server_info.get("alias")))
        ).lower()
        for tool_info in server_info.get("tools", ()) or ():
            haystack = " ".join(
                filter(
                    None,
                    (
                        server_keywords,
                        tool_info.get("name"),
                        tool_info.get("alias"),
                        tool_info.get("description"),
                    ),
                )
            ).lower()
            if all(token in haystack for token in tokens):
                matches.append(_format_tool_doc(server_info, tool_info, detail_value))
                if len(matches) >= capped:
                    return matches
    return matches


def save_tool(func):
    """Save a function as a persistent helper available in future sessions."""
    if not inspect.isfunction(func):
        raise ValueError("save_tool expects a function")
    source = inspect.getsource(func)
    USER_TOOLS_PATH.parent.mkdir(parents=True, exist_ok=True)
    with open(USER_TOOLS_PATH, "a") as f:
        f.write("\n\n")
        f.write(source)
    return "Tool %r saved. It will be available in future sessions." % (func.__name__,)


def _sanitize_memory_key(key):
    sanitized = re.sub(r"[^a-zA-Z0-9_-]", "_", str(key).strip())
    if not sanitized:
        raise ValueError("Memory key cannot be empty")
    return sanitized[:100]


def _memory_file(key):
    return MEMORY_DIR / ("%s.json" % _sanitize_memory_key(key))


def save_memory(key, value, metadata=None):
    """Save JSON-serialisable data under a key, preserving created_at."""
    MEMORY_DIR.mkdir(parents=True, exist_ok=True)
    memory_file = _memory_file(key)
    record = {
        "key": key,
        "value": value,
        "metadata": metadata or {},
        "created_at": time.time(),
        "updated_at": time.time(),
    }
    if memory_file.exists():
        try:
            existing = json.loads(memory_file.read_text())
            record["created_at"] = existing.get("created_at", record["created_at"])
        except Exception:
            pass
    memory_file.write_text(json.dumps(record, indent=2, default=str))
    return "Memory %r saved." % (key,)


def load_memory(key, default=None):
    memory_file = _memory_file(key)
    if not memory_file.exists():
        return default
    try:
        return json.loads(memory_file.read_text()).get("value", default)
    except Exception:
        return default


def delete_memory(key):
    memory_file = _memory_file(key)
    if memory_file.exists():
        memory_file.unlink()
        return "Memory %r deleted." % (key,)
    return "Memory %r not found." % (key,)


def list_memories():
    if not MEMORY_DIR.exists():
        return ()
    keys = []
    for path in sorted(MEMORY_DIR.glob("*.json")):
        try:
            keys.append(json.loads(path.read_text()).get("key", path.stem))
        except Exception:
            keys.append(path.stem)
    return tuple(keys)


def update_memory(key, updater):
    current = load_memory(key)
    if current is None and not memory_exists(key):
        raise MCPError("Memory %r does not exist" % (key,))
    return save_memory(key, updater(current))


def memory_exists(key):
    return _memory_file(key).exists()


def get_memory_info(key):
    memory_file = _memory_file(key)
    if not memory_file.exists():
        return None
    try:
        record = json.loads(memory_file.read_text())
    except Exception:
        return None
    return {
        "key": record.get("key", key),
        "metadata": record.get("metadata", {}),
        "created_at": record.get("created_at"),
        "updated_at": record.get("updated_at"),
    }


_CAPABILITY_SUMMARY = (
    "Persistent Python sandbox (state retained between tool calls).\n"
    "1. DISCOVER: runtime.discovered_servers(), await runtime.search_tool_docs('query').\n"
    "   Use discovered_servers(detailed=True) for descriptions.\n"
    "2. CALL: await mcp_<alias>.<tool>(...) on loaded servers.\n"
    "3. PERSIST: save_tool(func) for functions, save_memory(key, value) for data.\n"
    "4. MEMORY: load_memory(key), list_memories(), update_memory(key, fn), delete_memory(key).\n"
    "5. HELPERS: import mcp.runtime as runtime. Available: list_servers(),\n"
    "   list_tools_sync(server), query_tool_docs(server), describe_server(name)."
)


def capability_summary():
    return _CAPABILITY_SUMMARY


def _install_mcp_modules():
    mcp_pkg = types.ModuleType("mcp")
    mcp_pkg.__path__ = []
    mcp_pkg.__all__ = ["runtime", "servers"]
    sys.modules["mcp"] = mcp_pkg

    runtime_module = types.ModuleType("mcp.runtime")
    servers_module = types.ModuleType("mcp.servers")
    servers_module.__path__ = []
    sys.modules["mcp.runtime"] = runtime_module
    sys.modules["mcp.servers"] = servers_module
    mcp_pkg.runtime = runtime_module
    mcp_pkg.servers = servers_module

    if USER_TOOLS_PATH.exists():
        try:
            import importlib.util
            spec = importlib.util.spec_from_file_location("user_tools", USER_TOOLS_PATH)
            if spec and spec.loader:
                user_tools = importlib.util.module_from_spec(spec)
                sys.modules["user_tools"] = user_tools
                spec.loader.exec_module(user_tools)
                for name, val in vars(user_tools).items():
                    if not name.startswith("_"):
                        _GLOBAL_NAMESPACE[name] = val
        except Exception:
            pass

    for name in (
        "MCPError", "call_tool", "list_tools", "list_servers", "list_servers_sync",
        "discovered_servers", "describe_server", "list_loaded_server_metadata",
        "list_tools_sync", "query_tool_docs", "search_tool_docs",
        "query_tool_docs_sync", "search_tool_docs_sync", "capability_summary",
        "save_tool", "save_memory", "load_memory", "delete_memory",
        "list_memories", "update_memory", "memory_exists", "get_memory_info",
    ):
        setattr(runtime_module, name, globals()[name])
    runtime_module.__all__ = [
        "MCPError", "call_tool", "list_tools", "list_servers", "list_servers_sync",
        "discovered_servers", "describe_server", "list_loaded_server_metadata",
        "list_tools_sync", "query_tool_docs", "search_tool_docs",
        "query_tool_docs_sync", "search_tool_docs_sync", "capability_summary",
        "save_tool", "save_memory", "load_memory", "delete_memory",
        "list_memories", "update_memory", "memory_exists", "get_memory_info",
    ]
    servers_module.__all__ = []
    return runtime_module, servers_module


class _MCPProxy:
    def __init__(self, server_info):
        self._server_name = server_info["name"]
        self._tools = {tool["alias"]: tool for tool in server_info.get("tools", [])}

    async def list_tools(self):
        response = await _rpc_call({"type": "list_tools", "server": self._server_name})
        if not response.get("success", True):
            raise MCPError(response.get("error", "MCP request failed"))
        return response.get("tools", [])

    def __getattr__(self, tool_alias):
        if tool_alias.startswith("_"):
            raise AttributeError(tool_alias)
        tool = self._tools.get(tool_alias)
        target = tool.get("name") if tool else tool_alias
        summary = (tool.get("description") if tool else "") or ""

        async def _invoke(_target=target, **kwargs):
            response = await _rpc_call({
                "type": "call_tool",
                "server": self._server_name,
                "tool": _target,
                "arguments": kwargs,
            })
            if not response.get("success", True):
                raise MCPError(response.get("error", "MCP call failed"))
            return response.get("result")

        if summary:
            _invoke.__doc__ = summary
        _invoke.__name__ = tool_alias
        return _invoke


_GLOBAL_NAMESPACE = {"__name__": "__sandbox__"}
_PROXY_NAMES = set()


def _make_tool_callable(server_name, tool_name):
    async def _invoke(**kwargs):
        return await call_tool(server_name, tool_name, kwargs)

    return _invoke


def _install_servers(metadata):
    global AVAILABLE_SERVERS
    AVAILABLE_SERVERS = metadata

    for name in _PROXY_NAMES:
        _GLOBAL_NAMESPACE.pop(name, None)
    _PROXY_NAMES.clear()
    for module_name in [m for m in sys.modules if m.startswith("mcp.servers.")]:
        del sys.modules[module_name]
    _SERVERS_MODULE.__all__ = []

    mcp_servers = {}
    for server in AVAILABLE_SERVERS:
        alias = server["alias"]
        proxy = _MCPProxy(server)
        mcp_servers[server["name"]] = proxy
        proxy_name = "mcp_%s" % alias
        _GLOBAL_NAMESPACE[proxy_name] = proxy
        _PROXY_NAMES.add(proxy_name)

        module_name = "mcp.servers.%s" % alias
        server_module = types.ModuleType(module_name)
        server_module.__doc__ = "MCP server %r wrappers" % (server["name"],)
        server_module.__all__ = []
        for tool in server.get("tools", []):
            tool_alias = tool["alias"]
            func = _make_tool_callable(server["name"], tool["name"])
            func.__name__ = tool_alias
            func.__doc__ = (tool.get("description") or "").strip() or (
                "MCP tool %s from %s" % (tool["name"], server["name"])
            )
            setattr(server_module, tool_alias, func)
            server_module.__all__.append(tool_alias)
        server_module.TOOLS = server.get("tools", [])
        setattr(_SERVERS_MODULE, alias, server_module)
        sys.modules[module_name] = server_module
        _SERVERS_MODULE.__all__.append(alias)

    _GLOBAL_NAMESPACE["mcp_servers"] = mcp_servers
    _GLOBAL_NAMESPACE["LOADED_MCP_SERVERS"] = tuple(
        server["name"] for server in AVAILABLE_SERVERS
    )


_RUNTIME_MODULE, _SERVERS_MODULE = _install_mcp_modules()
_GLOBAL_NAMESPACE["mcp"] = sys.modules["mcp"]
_GLOBAL_NAMESPACE["runtime"] = _RUNTIME_MODULE
for _helper_name in (
    "save_tool", "save_memory", "load_memory", "delete_memory",
    "list_memories", "update_memory", "memory_exists", "get_memory_info",
):
    _GLOBAL_NAMESPACE[_helper_name] = globals()[_helper_name]
_install_servers(AVAILABLE_SERVERS)


async def _execute_code(code):
    try:
        flags = getattr(__import__("ast"), "PyCF_ALLOW_TOP_LEVEL_AWAIT", 0)
        compiled = compile(code, "<sandbox>", "exec", flags=flags)
        result = eval(compiled, _GLOBAL_NAMESPACE, _GLOBAL_NAMESPACE)
        if inspect.isawaitable(result):
            await result
    except (SystemExit, asyncio.CancelledError):
        raise
    except BaseException:
        traceback.print_exc()


async def _main_loop():
    global _CURRENT_EXECUTION
    # Hold the reference so the reader task survives garbage collection.
    reader_task = asyncio.get_running_loop().create_task(_stdin_reader())
    while True:
        message = await _EXECUTION_QUEUE.get()
        if message is None:
            return
        servers = message.get("servers")
        if isinstance(servers, list):
            _install_servers(servers)
        _CURRENT_EXECUTION = asyncio.ensure_future(
            _execute_code(message.get("code") or "")
        )
        try:
            await _CURRENT_EXECUTION
        except asyncio.CancelledError:
            _send_message({"type": "stderr", "data": "Execution cancelled\n"})
        finally:
            _CURRENT_EXECUTION = None
            _send_message({"type": "execution_done"})


if __name__ == "__main__":
    try:
        asyncio.run(_main_loop())
    except KeyboardInterrupt:
        pass
`
