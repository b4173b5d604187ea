package cdp

// Scripts evaluated in the kiosk page. Each returns a JSON-serialisable value.
const (
	pageInfoScript = `(() => {
  const meta = document.querySelector('meta[name="build-id"]');
  const embedded = window.__BUILD_ID__ ?? (meta ? meta.content : "");
  return {
    url: location.href,
    referrer: document.referrer,
    userAgent: navigator.userAgent,
    buildId: embedded == null ? "" : String(embedded),
  };
})()`

	viewportScript = `(() => {
  const content = "width=device-width, initial-scale=1.0, maximum-scale=1.0, minimum-scale=1.0, user-scalable=no";
  let meta = document.querySelector('meta[name="viewport"]');
  if (!meta) {
    meta = document.createElement("meta");
    meta.name = "viewport";
    document.head.appendChild(meta);
  }
  meta.setAttribute("content", content);
  return "ok";
})()`

	overscrollScript = `(() => {
  for (const el of [document.documentElement, document.body]) {
    if (!el) continue;
    el.style.overscrollBehavior = "none";
    el.style.touchAction = "manipulation";
  }
  return "ok";
})()`

	wakeLockScript = `(async () => {
  if (!("wakeLock" in navigator)) return "unsupported";
  const acquire = async () => {
    try {
      window.__terminalWakeLock = await navigator.wakeLock.request("screen");
      return true;
    } catch (e) {
      return false;
    }
  };
  if (!window.__terminalWakeLockArmed) {
    window.__terminalWakeLockArmed = true;
    document.addEventListener("visibilitychange", () => {
      if (document.visibilityState === "visible") acquire();
    });
  }
  if (window.__terminalWakeLock && !window.__terminalWakeLock.released) return "held";
  return (await acquire()) ? "ok" : "unsupported";
})()`

	fullscreenScript = `(() => {
  const el = document.documentElement;
  if (!el.requestFullscreen) return "unsupported";
  if (window.__terminalFullscreenArmed) return "armed";
  window.__terminalFullscreenArmed = true;
  document.addEventListener("pointerdown", () => {
    window.__terminalFullscreenArmed = false;
    if (!document.fullscreenElement) {
      el.requestFullscreen().catch(() => {});
    }
  }, { once: true });
  return "armed";
})()`

	unregisterWorkersScript = `(async () => {
  if (!("serviceWorker" in navigator)) return 0;
  const regs = await navigator.serviceWorker.getRegistrations();
  let n = 0;
  for (const r of regs) {
    try { if (await r.unregister()) n++; } catch (e) {}
  }
  return n;
})()`

	purgeCachesScript = `(async () => {
  if (!("caches" in window)) return 0;
  const keys = await caches.keys();
  let n = 0;
  for (const k of keys) {
    try { if (await caches.delete(k)) n++; } catch (e) {}
  }
  return n;
})()`

	// progressScript is formatted with the JSON-quoted status text.
	progressScript = `((text) => {
  let el = document.getElementById("__terminal_agent_progress");
  if (!el) {
    el = document.createElement("div");
    el.id = "__terminal_agent_progress";
    el.style.cssText = "position:fixed;inset:0;z-index:2147483647;display:flex;" +
      "align-items:center;justify-content:center;background:rgba(0,0,0,0.85);" +
      "color:#fff;font:600 28px system-ui,sans-serif;pointer-events:all";
    document.body.appendChild(el);
  }
  el.textContent = text;
  return "ok";
})(%s)`

	replaceURLScript = `((u) => { history.replaceState(history.state, "", u); return location.href; })(%s)`

	// pairingScript is formatted with a JSON object {code, invalid, base}.
	pairingScript = `((s) => {
  let el = document.getElementById("__terminal_agent_pairing");
  if (!el) {
    el = document.createElement("div");
    el.id = "__terminal_agent_pairing";
    el.style.cssText = "position:fixed;inset:0;z-index:2147483646;display:flex;" +
      "flex-direction:column;gap:24px;align-items:center;justify-content:center;" +
      "background:#111;color:#fff;font:500 22px system-ui,sans-serif";
    document.body.appendChild(el);
  }
  const key = s.invalid ? "invalid" : s.code;
  if (el.dataset.key === key) return "unchanged";
  el.dataset.key = key;
  const post = (path) => fetch(s.base + path, { method: "POST" }).catch(() => {});
  el.innerHTML = "";
  const title = document.createElement("div");
  title.textContent = "Pair this terminal";
  const code = document.createElement("div");
  code.style.cssText = "font:700 64px ui-monospace,monospace;letter-spacing:12px";
  code.textContent = s.invalid ? "Invalid Code" : s.code;
  const row = document.createElement("div");
  row.style.cssText = "display:flex;gap:16px";
  for (const [label, path] of [["Pair", "/pairing/pair"], ["New code", "/pairing/regenerate"]]) {
    const b = document.createElement("button");
    b.textContent = label;
    b.style.cssText = "font:600 22px system-ui;padding:14px 28px;border-radius:10px";
    b.onclick = () => post(path);
    row.appendChild(b);
  }
  el.append(title, code, row);
  return "ok";
})(%s)`

	dismissPairingScript = `(() => {
  const el = document.getElementById("__terminal_agent_pairing");
  if (el) el.remove();
  return "ok";
})()`
)
