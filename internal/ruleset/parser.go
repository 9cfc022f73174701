package ruleset

import (
	"bufio"
	"fmt"
	"strings"
)

// ParseRules parses a rule file of the shape:
//
//	rule <id> {
//	  when {
//	    mod-loaded "modid"
//	    class-present "fully.Qualified.Name"
//	    jar-contains-package "some.pkg"
//	    semver-range "modid" ">=1.2.0,<2.0.0"
//	    fixes-cause "NullRef"
//	  }
//	  action {
//	    disable-mixin "some.mixins.FooMixin"
//	  }
//	}
//
// Lines are whitespace-trimmed statements; comments start with '#' and
// run to end of line. This is a hand-written recursive-descent-over-
// lines parser, not a generic grammar — the file format is line
// oriented by design (§6), so a scanner this small is the idiomatic
// fit rather than pulling in a parser-combinator library for five
// keyword kinds.
func ParseRules(src string) ([]Rule, error) {
	toks, err := tokenizeLines(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	var rules []Rule
	for !p.atEnd() {
		r, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

type lineTok struct {
	lineNo int
	fields []string
}

func tokenizeLines(src string) ([]lineTok, error) {
	var out []lineTok
	scanner := bufio.NewScanner(strings.NewReader(src))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields, err := splitStatement(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, lineTok{lineNo: lineNo, fields: fields})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// splitStatement splits a line into whitespace-separated fields, honoring
// double-quoted strings as single fields (braces are also their own field).
func splitStatement(line string) ([]string, error) {
	var fields []string
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		if i >= len(line) {
			break
		}
		switch line[i] {
		case '{', '}':
			fields = append(fields, string(line[i]))
			i++
		case '"':
			j := i + 1
			for j < len(line) && line[j] != '"' {
				j++
			}
			if j >= len(line) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			fields = append(fields, line[i+1:j])
			i = j + 1
		default:
			j := i
			for j < len(line) && line[j] != ' ' && line[j] != '{' && line[j] != '}' {
				j++
			}
			fields = append(fields, line[i:j])
			i = j
		}
	}
	return fields, nil
}

type parser struct {
	toks []lineTok
	pos  int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *parser) next() (lineTok, error) {
	if p.atEnd() {
		return lineTok{}, fmt.Errorf("unexpected end of file")
	}
	t := p.toks[p.pos]
	p.pos++
	return t, nil
}

func (p *parser) peek() (lineTok, bool) {
	if p.atEnd() {
		return lineTok{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseRule() (Rule, error) {
	hdr, err := p.next()
	if err != nil {
		return Rule{}, err
	}
	if len(hdr.fields) < 3 || hdr.fields[0] != "rule" || hdr.fields[len(hdr.fields)-1] != "{" {
		return Rule{}, fmt.Errorf("line %d: expected 'rule <id> {'", hdr.lineNo)
	}
	id := hdr.fields[1]
	rule := Rule{ID: id}

	sawWhen, sawAction := false, false
	for {
		tok, ok := p.peek()
		if !ok {
			return Rule{}, fmt.Errorf("rule %q: unterminated block", id)
		}
		if len(tok.fields) == 1 && tok.fields[0] == "}" {
			p.pos++
			break
		}
		if len(tok.fields) >= 1 && tok.fields[len(tok.fields)-1] == "{" && len(tok.fields) == 2 {
			switch tok.fields[0] {
			case "when":
				p.pos++
				clauses, err := p.parseWhenBlock()
				if err != nil {
					return Rule{}, fmt.Errorf("rule %q: %w", id, err)
				}
				rule.Predicate = clauses
				sawWhen = true
				continue
			case "action":
				p.pos++
				action, err := p.parseActionBlock()
				if err != nil {
					return Rule{}, fmt.Errorf("rule %q: %w", id, err)
				}
				rule.Action = action
				sawAction = true
				continue
			}
		}
		return Rule{}, fmt.Errorf("line %d: unexpected statement in rule %q", tok.lineNo, id)
	}

	if !sawWhen {
		return Rule{}, fmt.Errorf("rule %q: missing when block", id)
	}
	if !sawAction {
		return Rule{}, fmt.Errorf("rule %q: missing action block", id)
	}
	return rule, nil
}

func (p *parser) parseWhenBlock() ([]Clause, error) {
	var clauses []Clause
	for {
		tok, err := p.next()
		if err != nil {
			return nil, err
		}
		if len(tok.fields) == 1 && tok.fields[0] == "}" {
			return clauses, nil
		}
		c, err := parseClause(tok)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", tok.lineNo, err)
		}
		clauses = append(clauses, c)
	}
}

func parseClause(tok lineTok) (Clause, error) {
	if len(tok.fields) < 2 {
		return Clause{}, fmt.Errorf("malformed predicate clause")
	}
	switch tok.fields[0] {
	case "mod-loaded":
		return Clause{Kind: ClauseModLoaded, ModID: tok.fields[1]}, nil
	case "class-present":
		return Clause{Kind: ClauseClassPresent, Class: tok.fields[1]}, nil
	case "jar-contains-package":
		return Clause{Kind: ClauseJarContainsPackage, Package: tok.fields[1]}, nil
	case "semver-range":
		if len(tok.fields) < 3 {
			return Clause{}, fmt.Errorf("semver-range requires a mod id and a range")
		}
		return Clause{Kind: ClauseSemverRange, ModID: tok.fields[1], Range: tok.fields[2]}, nil
	case "fixes-cause":
		cause, err := parseCauseKind(tok.fields[1])
		if err != nil {
			return Clause{}, err
		}
		return Clause{Kind: ClauseFixesCause, Cause: cause}, nil
	default:
		return Clause{}, fmt.Errorf("unknown predicate keyword %q", tok.fields[0])
	}
}

func parseCauseKind(s string) (CauseKind, error) {
	switch s {
	case "NullRef":
		return CauseNullRef, nil
	case "Arithmetic":
		return CauseArithmetic, nil
	case "IndexOutOfRange":
		return CauseIndexOutOfRange, nil
	case "Other":
		return CauseOther, nil
	default:
		return 0, fmt.Errorf("unknown cause kind %q", s)
	}
}

func (p *parser) parseActionBlock() (Action, error) {
	var action Action
	seen := false
	for {
		tok, err := p.next()
		if err != nil {
			return Action{}, err
		}
		if len(tok.fields) == 1 && tok.fields[0] == "}" {
			if !seen {
				return Action{}, fmt.Errorf("action block has no statement")
			}
			return action, nil
		}
		if seen {
			return Action{}, fmt.Errorf("line %d: action block carries more than one action", tok.lineNo)
		}
		action, err = parseAction(tok)
		if err != nil {
			return Action{}, fmt.Errorf("line %d: %w", tok.lineNo, err)
		}
		seen = true
	}
}

func parseAction(tok lineTok) (Action, error) {
	if len(tok.fields) < 2 {
		return Action{}, fmt.Errorf("malformed action statement")
	}
	switch tok.fields[0] {
	case "disable-mixin":
		return Action{Kind: ActionDisableMixin, Mixin: tok.fields[1]}, nil
	case "insert-bytecode-guard":
		kv, err := parseKeyValueArgs(tok.fields[1:])
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionInsertBytecodeGuard, Pattern: kv["pattern"], Insert: kv["insert"]}, nil
	case "package-relocate":
		if len(tok.fields) < 3 {
			return Action{}, fmt.Errorf("package-relocate requires from and to packages")
		}
		return Action{Kind: ActionPackageRelocate, FromPackage: tok.fields[1], ToPackage: tok.fields[2]}, nil
	case "config-override":
		if len(tok.fields) < 3 {
			return Action{}, fmt.Errorf("config-override requires a key and a value")
		}
		return Action{Kind: ActionConfigOverride, ConfigKey: tok.fields[1], ConfigValue: tok.fields[2]}, nil
	default:
		return Action{}, fmt.Errorf("unknown action keyword %q", tok.fields[0])
	}
}

// parseKeyValueArgs parses "key=value" style fields into a map, used by
// actions whose arguments are named rather than positional.
func parseKeyValueArgs(fields []string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", f)
		}
		v = strings.Trim(v, `"`)
		out[k] = v
	}
	return out, nil
}

