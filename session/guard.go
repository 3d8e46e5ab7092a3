package session

// Decision is a routing verdict derived purely from session state.
type Decision int

const (
	// DecisionPending means the session is still checking: the router must
	// keep a neutral loading state and commit to nothing yet. Deciding
	// early here is the classic bug (bouncing a user who is actually
	// authenticated, or flashing an admin page at an anonymous one).
	DecisionPending Decision = iota
	DecisionAllow
	DecisionRedirectLogin
	DecisionRedirectHome
)

func (d Decision) String() string {
	switch d {
	case DecisionPending:
		return "pending"
	case DecisionAllow:
		return "allow"
	case DecisionRedirectLogin:
		return "redirect-to-login"
	case DecisionRedirectHome:
		return "redirect-to-home"
	default:
		return "unknown"
	}
}

// RequireAuth guards pages that need a signed-in user.
func RequireAuth(s Session) Decision {
	switch s.Status {
	case Checking:
		return DecisionPending
	case Authenticated:
		return DecisionAllow
	default:
		return DecisionRedirectLogin
	}
}

// RequireAdmin guards the admin area: authenticated non-admins go home,
// anonymous users go to login.
func RequireAdmin(s Session) Decision {
	switch s.Status {
	case Checking:
		return DecisionPending
	case Authenticated:
		if s.User != nil && s.User.IsAdmin() {
			return DecisionAllow
		}
		return DecisionRedirectHome
	default:
		return DecisionRedirectLogin
	}
}

// RequireAnonymous guards login/register pages; an already-authenticated
// user is sent home.
func RequireAnonymous(s Session) Decision {
	switch s.Status {
	case Checking:
		return DecisionPending
	case Authenticated:
		return DecisionRedirectHome
	default:
		return DecisionAllow
	}
}
