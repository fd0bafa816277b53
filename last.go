package main

// Login/logout pairing for the last tool, matching Unix last(1): each row
// is a login event joined with the first logout of the same session key at
// or after it.

// loginPair is a login event and its logout, when one was recorded.
type loginPair struct {
	login  SessionEvent
	logout *SessionEvent
}

// pairEvents joins login events with their logouts. Events arrive newest
// first from RecentEvents; pairs keep that order.
func pairEvents(events []SessionEvent) []loginPair {
	logouts := make(map[string][]SessionEvent)
	var logins []SessionEvent
	for _, e := range events {
		if e.Kind == EventLogout {
			logouts[e.Key] = append(logouts[e.Key], e)
		} else {
			logins = append(logins, e)
		}
	}

	pairs := make([]loginPair, 0, len(logins))
	for _, login := range logins {
		var match *SessionEvent
		candidates := logouts[login.Key]
		for i := range candidates {
			if !candidates[i].Timestamp.Before(login.Timestamp) {
				match = &candidates[i]
				logouts[login.Key] = append(candidates[:i], candidates[i+1:]...)
				break
			}
		}
		pairs = append(pairs, loginPair{login: login, logout: match})
	}
	return pairs
}

// formatLastTable renders the last(1)-style columnar table. Sessions with
// no recorded logout show "still logged in" when the session is live and
// "gone" when it is not.
func formatLastTable(pairs []loginPair, active map[string]bool, count int) string {
	if count > 0 && len(pairs) > count {
		pairs = pairs[:count]
	}
	if len(pairs) == 0 {
		return "No session history."
	}
	rows := make([][]string, 0, len(pairs))
	for _, p := range pairs {
		host := p.login.Host
		if host == "" {
			host = "-"
		}
		var logoutStr, duration string
		switch {
		case p.logout != nil:
			logoutStr = formatWallClock(p.logout.Timestamp)
			if p.logout.Reason == ReasonOrphan {
				logoutStr += " (orphaned)"
			}
			duration = formatDuration(p.login.Timestamp, p.logout.Timestamp)
		case active[p.login.Key]:
			logoutStr = "still logged in"
			duration = "-"
		default:
			logoutStr = "gone"
			duration = "-"
		}
		rows = append(rows, []string{
			"@" + p.login.Login,
			p.login.TTY(),
			host,
			formatWallClock(p.login.Timestamp),
			logoutStr,
			duration,
		})
	}
	return renderTable([]string{"NAME", "TTY", "HOST", "LOGIN", "LOGOUT", "DURATION"}, rows)
}
