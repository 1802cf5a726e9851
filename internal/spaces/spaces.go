// Package spaces is the static catalog of feed partitions and the rules for
// which role may see each one.
package spaces

import (
	"strings"

	"peersupport/api/internal/rbac"
)

type Space string

type Visibility string

type Kind string

const (
	VisibilityMember Visibility = "member"
	VisibilityAdmin  Visibility = "admin"
	VisibilityAll    Visibility = "all"
)

const (
	// KindFeed spaces hold posts and comments.
	KindFeed Kind = "feed"
	// KindInfo spaces are static pages; they never hold posts.
	KindInfo Kind = "info"
)

const (
	CommunitySupport Space = "Community Support"
	SuggestedActions Space = "Suggested Actions"
	AboutDevelopers  Space = "About Developers"
	AboutSystem      Space = "About System"

	AdminDashboard      Space = "Admin Dashboard"
	UserReports         Space = "User Reports"
	SystemNotifications Space = "System Notifications"
	AdminActions        Space = "Admin Actions"

	Anxiety     Space = "Anxiety"
	Depression  Space = "Depression"
	WellBeing   Space = "Well-Being"
	Personality Space = "Personality"
)

// Resource is an external support link shown on info spaces and attached to
// crisis signals.
type Resource struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Hotline string `json:"hotline,omitempty"`
}

type Info struct {
	Space       Space      `json:"name"`
	Slug        string     `json:"slug"`
	Visibility  Visibility `json:"visibility"`
	Kind        Kind       `json:"kind"`
	Description string     `json:"description,omitempty"`
	Resources   []Resource `json:"resources,omitempty"`
}

var supportResources = []Resource{
	{Title: "DOH Mental Health Resources", URL: "https://www.who.int/philippines/news/detail/12-10-2023-doh--who-launch-philippine-council-for-mental-health-strategic-framework-2024-2028"},
	{Title: "National Center for Mental Health", URL: "https://www.ncmh.gov.ph/", Hotline: "1553"},
	{Title: "NCMH Crisis Hotline", URL: "https://www.facebook.com/ncmhcrisishotline/"},
	{Title: "MentalHealthPH.org", URL: "https://mentalhealthph.org/"},
	{Title: "Find a Psychologist", URL: "https://nowserving.ph/psychology/"},
}

var (
	memberCatalog    = []Space{CommunitySupport, SuggestedActions, AboutDevelopers, AboutSystem}
	adminCatalog     = []Space{AdminDashboard, UserReports, SystemNotifications, AdminActions}
	communityCatalog = []Space{Anxiety, Depression, WellBeing, Personality}
)

var directory = buildDirectory()

func buildDirectory() map[Space]Info {
	entries := map[Space]Info{}
	add := func(space Space, visibility Visibility, kind Kind, description string, resources []Resource) {
		entries[space] = Info{
			Space:       space,
			Slug:        slugify(string(space)),
			Visibility:  visibility,
			Kind:        kind,
			Description: description,
			Resources:   resources,
		}
	}

	add(CommunitySupport, VisibilityMember, KindFeed, "Share your thoughts anonymously.", nil)
	add(SuggestedActions, VisibilityMember, KindInfo, "Verified resources that can guide you to professional support.", supportResources)
	add(AboutDevelopers, VisibilityMember, KindInfo, "The team behind the platform.", nil)
	add(AboutSystem, VisibilityMember, KindInfo, "How self-assessment, the chatbot and peer support fit together.", nil)

	for _, space := range adminCatalog {
		add(space, VisibilityAdmin, KindFeed, "", nil)
	}
	for _, space := range communityCatalog {
		add(space, VisibilityAll, KindFeed, "Share your thoughts about "+string(space)+".", nil)
	}
	return entries
}

// For returns the ordered spaces listed for role: the role's own catalog
// followed by the community catalog.
func For(role rbac.Role) []Space {
	var own []Space
	if role == rbac.RoleAdmin {
		own = adminCatalog
	} else {
		own = memberCatalog
	}
	out := make([]Space, 0, len(own)+len(communityCatalog))
	out = append(out, own...)
	return append(out, communityCatalog...)
}

// Community returns the cross-linked catalog visible from every space.
func Community() []Space {
	return append([]Space(nil), communityCatalog...)
}

// All returns every space in catalog order.
func All() []Space {
	out := make([]Space, 0, len(memberCatalog)+len(adminCatalog)+len(communityCatalog))
	out = append(out, memberCatalog...)
	out = append(out, adminCatalog...)
	return append(out, communityCatalog...)
}

func Lookup(space Space) (Info, bool) {
	info, ok := directory[space]
	if !ok {
		return Info{}, false
	}
	info.Resources = append([]Resource(nil), info.Resources...)
	return info, true
}

// Parse accepts either the display name or the slug of a space.
func Parse(value string) (Space, bool) {
	trimmed := strings.TrimSpace(value)
	if _, ok := directory[Space(trimmed)]; ok {
		return Space(trimmed), true
	}
	slug := slugify(trimmed)
	for space, info := range directory {
		if info.Slug == slug {
			return space, true
		}
	}
	return "", false
}

// Visible reports whether role may read space. Admins moderate every space.
func Visible(role rbac.Role, space Space) bool {
	info, ok := directory[space]
	if !ok {
		return false
	}
	switch info.Visibility {
	case VisibilityAll:
		return true
	case VisibilityAdmin:
		return role == rbac.RoleAdmin
	case VisibilityMember:
		return role == rbac.RoleMember || role == rbac.RoleAdmin
	default:
		return false
	}
}

func IsFeed(space Space) bool {
	info, ok := directory[space]
	return ok && info.Kind == KindFeed
}

// SupportResources returns the resources offered alongside crisis signals.
func SupportResources() []Resource {
	return append([]Resource(nil), supportResources...)
}

func (s Space) Slug() string {
	return slugify(string(s))
}

func slugify(value string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
