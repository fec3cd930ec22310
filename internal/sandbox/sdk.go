package sandbox

// SDKFileName is the module name plugins import, staged next to plugin.py
// in every run directory.
const SDKFileName = "forge_sdk.py"

// SDKSource is the plugin-side half of the frame protocol. It is the only
// channel a plugin has to the host: one input line in, call_request and
// list_models frames out, exactly one output frame to finish. Inference
// failures come back as "[ERROR] ..." strings so a plugin can degrade
// instead of crashing.
const SDKSource = `"""Host bridge for sandboxed plugins.

Import this module to talk to the host:

    import forge_sdk

    text = forge_sdk.get_input()
    answer = forge_sdk.call_ai("llama3", "Summarize: " + text)
    forge_sdk.send_output(answer)
"""
import json
import sys

_input = ""
_input_read = False
_output_sent = False


def _send(frame):
    sys.stdout.write(json.dumps(frame) + "\n")
    sys.stdout.flush()


def _recv():
    line = sys.stdin.readline()
    if not line:
        raise RuntimeError("host closed the bridge")
    return json.loads(line)


def get_input():
    """Return the user input for this run (always a string)."""
    global _input, _input_read
    if not _input_read:
        line = sys.stdin.readline()
        _input = json.loads(line) if line.strip() else ""
        _input_read = True
    return _input


def call_ai(model, prompt):
    """Request one inference call.

    Returns the model's text, or an "[ERROR] <reason>" string when the
    host rejects or fails the call. A rejected call never ends the run.
    """
    get_input()
    _send({"type": "call_request", "model": model, "prompt": prompt})
    frame = _recv()
    kind = frame.get("type")
    if kind == "call_response":
        return frame.get("text", "")
    if kind == "call_error":
        return "[ERROR] " + frame.get("reason", "unknown")
    raise RuntimeError("unexpected frame from host: " + str(kind))


def list_models():
    """Return the model identifiers this run is permitted to use."""
    get_input()
    _send({"type": "list_models"})
    frame = _recv()
    if frame.get("type") == "model_list":
        return frame.get("models", [])
    raise RuntimeError("unexpected frame from host: " + str(frame.get("type")))


def send_output(text):
    """Emit the plugin's final output. May be called once; a second call
    raises, since the host fixes the run result on the first output frame."""
    global _output_sent
    if _output_sent:
        raise RuntimeError("send_output may only be called once")
    _output_sent = True
    get_input()
    _send({"type": "output", "text": str(text)})
`
