package classify

// writeVerbs are checked before readVerbs, so a name carrying both
// ("get_or_create") is a write.
var writeVerbs = []string{
	"create", "post", "add", "insert", "upsert",
	"delete", "remove", "drop", "destroy", "purge", "force",
	"update", "put", "patch", "modify", "edit", "replace", "rename",
	"set", "unset", "write", "save", "store",
	"start", "stop", "restart", "kill", "terminate", "cancel",
	"scale", "resize", "move", "copy", "clone", "fork",
	"merge", "push", "commit", "apply", "execute", "run", "trigger",
	"send", "publish", "upload", "import",
	"enable", "disable", "grant", "revoke", "attach", "detach",
	"install", "uninstall", "upgrade", "rollback", "reset",
	"evict", "drain", "cordon", "uncordon", "truncate",
	"lock", "unlock", "archive", "approve",
}

var readVerbs = []string{
	"get", "list", "describe", "search", "watch", "read", "fetch",
	"find", "show", "query", "count", "exists", "check", "head",
	"view", "lookup", "inspect", "download", "export", "stream",
	"iter", "paginate", "status", "info", "compare", "diff",
	"validate", "preview", "logs",
}

var destructiveVerbs = []string{
	"delete", "remove", "drop", "destroy", "kill", "terminate", "force", "purge",
}

var wideScopeNouns = []string{
	"namespace", "cluster", "node", "volume",
}

// DefaultRules is the ordered operation table: write verbs first, then read verbs.
var DefaultRules = buildRules()

// DefaultRiskRules escalates writes to high risk on destructive verbs or
// wide-blast-radius nouns. Writes matching nothing here are medium.
var DefaultRiskRules = buildRiskRules()

func buildRules() []Rule {
	rules := make([]Rule, 0, len(writeVerbs)+len(readVerbs))
	for _, v := range writeVerbs {
		rules = append(rules, Rule{Pattern: v, Match: Token, Operation: Write})
	}
	for _, v := range readVerbs {
		rules = append(rules, Rule{Pattern: v, Match: Token, Operation: Read})
	}
	return rules
}

func buildRiskRules() []RiskRule {
	rules := make([]RiskRule, 0, len(destructiveVerbs)+len(wideScopeNouns))
	for _, v := range destructiveVerbs {
		rules = append(rules, RiskRule{Pattern: v, Match: Token, Risk: High})
	}
	for _, n := range wideScopeNouns {
		rules = append(rules, RiskRule{Pattern: n, Match: Substring, Risk: High})
	}
	return rules
}
