package prompt

// Template names.
const (
	SmokeGenerate = "smoke-generate.md"
	SmokeRepair   = "smoke-repair.md"
	Review        = "review.md"
	Hello         = "hello.md"
	AutoFix       = "auto-fix.md"
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	SmokeGenerate: smokeGenerateTemplate,
	SmokeRepair:   smokeRepairTemplate,
	Review:        reviewTemplate,
	Hello:         helloTemplate,
	AutoFix:       autoFixTemplate,
}

const smokeGenerateTemplate = `You are generating smoke-check shell commands for bridge automation.
Read and follow the project rules in AGENTS.md before deciding on commands.

Task: {{task}}
Stage: {{stage}}
{{#if local_stage}}
Generate ONLY local deterministic commands that validate the changed feature before push.
Good examples: lint, typecheck and test commands, local scripts, file existence checks.
Do NOT call remote deployed endpoints in this stage.
{{/if}}
{{#if post_deploy_stage}}
Generate remote API smoke commands (curl) that validate the deployed feature.
Use these placeholders exactly where needed: {{placeholders}}.
Every remote call must start from {{BASE_URL}}; never hard-code a host.
Prefer lightweight read-only assertions (list, get-by-id, health, report).
{{/if}}

Constraints:
- Output JSON only, no markdown fences, no extra text.
- Return at most {{max_commands}} commands, each shorter than 500 characters.
- Commands must be safe for automation: no git push/pull/reset/checkout, no deploy commands, no rm -rf.
- If the exact feature smoke cannot be inferred, return a conservative but relevant list and explain in notes.

Return format:
{"commands": ["..."], "notes": "short rationale"}

Recent repo context:
{{repo_context}}
`

const smokeRepairTemplate = `You are repairing ONE failed bridge smoke command.
Return STRICT JSON only: {"fixed_command": "...", "reason": "..."}
Do not return markdown.
Keep the command safe: no git push/pull/reset/checkout, no deploy commands.
Preserve placeholders if present: {{placeholders}}.

Stage: {{stage}}
Task: {{task}}
Failed command:
{{command}}

stderr excerpt:
{{stderr}}

stdout excerpt:
{{stdout}}
`

const reviewTemplate = `Review the task: {{task}}
Commit: {{commit}}
Server role: {{mode}}. Inspect runtime signals (service logs, container state); do not pull, lint or typecheck.
{{#if check_summary}}

Checks already run on this host (set {{check_set}}):
{{check_summary}}
{{/if}}
{{#if session_excerpt}}

Recent originating agent session (context only, not the source of truth):
{{session_excerpt}}
{{/if}}

Steps:
1. Confirm the verdict from the existing bridge results (checks, logs, events).
2. For runtime inspection, look for errors in service logs.
3. Output ONLY this JSON:
{
  "status": "success" | "failure",
  "tests_passed": true | false,
  "errors": ["..."],
  "warnings": ["..."],
  "suggestions": ["..."],
  "next_action": "proceed" | "fix_required"
}
`

const helloTemplate = `The bridge on the {{side}} side sent a greeting.
Reply with exactly one short sentence saying you are listening and ready.
Output only the reply text.
`

const autoFixTemplate = `Bridge auto-fix cycle {{attempt}} for task: {{task}}
Failure stage: {{stage}}
Commit: {{commit}}

Current structured result (source of truth):
{{result_json}}

Rules:
- Read AGENTS.md and follow it strictly.
- Make the minimal best-practice fix; no temporary workarounds.
- Only edit files under these path prefixes:
{{allowlist}}

Steps:
1. Fix the failure.
2. Run the local smoke, lint or typecheck commands if needed.
3. Commit the change with an English commit message. Create at most one commit.
4. Do NOT push; the bridge pushes.
5. Finish with one short line describing the fix.
`
