package publish

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/connections"
)

// Default API bases, overridable per channel through publishing.channels.<name>.endpoint.
const (
	FacebookAPI  = "https://graph.facebook.com/v19.0"
	InstagramAPI = "https://graph.instagram.com"
	LinkedInAPI  = "https://api.linkedin.com/v2"
	TwitterAPI   = "https://api.twitter.com/2"
	TikTokAPI    = "https://open.tiktokapis.com/v2"
)

const tweetLimit = 280

// NewPublishers builds one publisher per configured channel. In dry-run mode
// every channel gets a LogPublisher.
func NewPublishers(cfg config.PublishingConfig, httpClient *http.Client) []Publisher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	endpoint := func(channel, fallback string) string {
		if ch, ok := cfg.Channels[channel]; ok && ch.Endpoint != "" {
			return ch.Endpoint
		}
		return fallback
	}

	var out []Publisher
	for _, channel := range config.DefaultChannels {
		if cfg.DryRun {
			out = append(out, NewLogPublisher(channel))
			continue
		}
		c := client{service: channel, http: httpClient}
		switch channel {
		case "facebook":
			out = append(out, &Facebook{client: c, base: endpoint(channel, FacebookAPI)})
		case "instagram":
			out = append(out, &Instagram{client: c, base: endpoint(channel, InstagramAPI)})
		case "linkedin":
			out = append(out, &LinkedIn{client: c, base: endpoint(channel, LinkedInAPI)})
		case "twitter":
			out = append(out, &Twitter{client: c, base: endpoint(channel, TwitterAPI)})
		case "tiktok":
			out = append(out, &TikTok{client: c, base: endpoint(channel, TikTokAPI)})
		}
	}
	return out
}

type idResponse struct {
	ID string `json:"id"`
}

// Facebook posts to a page feed as the page.
type Facebook struct {
	client
	base string
}

func (p *Facebook) Channel() string { return "facebook" }

// page returns the default page, or the first one.
func (p *Facebook) page(acct connections.Account) (connections.Page, bool) {
	for _, pg := range acct.Pages {
		if pg.IsDefault && pg.ID != "" {
			return pg, true
		}
	}
	if len(acct.Pages) > 0 && acct.Pages[0].ID != "" {
		return acct.Pages[0], true
	}
	return connections.Page{}, false
}

func (p *Facebook) Publish(ctx context.Context, post Post, creds Credentials) (*Outcome, error) {
	page, ok := p.page(creds.Account)
	if !ok {
		return rejected("Facebook page id not found"), nil
	}
	token := page.AccessToken
	if token == "" {
		token = creds.AccessToken
	}

	form := url.Values{"access_token": {token}}
	images, videos := splitMedia(post.MediaURLs)
	var edge, kind string
	switch {
	case len(videos) == 1 && len(images) == 0:
		edge, kind = "videos", "video"
		form.Set("file_url", videos[0])
		form.Set("description", post.Content)
	case len(images) >= 1 && len(videos) == 0:
		edge, kind = "photos", "photo"
		form.Set("url", images[0])
		form.Set("caption", post.Content)
	default:
		edge, kind = "feed", "text"
		form.Set("message", post.Content)
	}

	var resp idResponse
	if err := p.postForm(ctx, joinURL(p.base, page.ID, edge), form, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return rejected("Facebook returned no post id"), nil
	}
	return &Outcome{Success: true, PlatformPostID: resp.ID, PostType: kind}, nil
}

// Instagram publishes a single media container. Text-only posts are not
// supported by the channel.
type Instagram struct {
	client
	base string
}

func (p *Instagram) Channel() string { return "instagram" }

func (p *Instagram) userID(acct connections.Account) string {
	if acct.IGUserID != "" {
		return acct.IGUserID
	}
	for _, pg := range acct.Pages {
		if pg.InstagramBusinessAccountID != "" {
			return pg.InstagramBusinessAccountID
		}
	}
	return acct.PlatformUserID
}

func (p *Instagram) Publish(ctx context.Context, post Post, creds Credentials) (*Outcome, error) {
	igUser := p.userID(creds.Account)
	if igUser == "" {
		return rejected("Instagram user id not found"), nil
	}

	images, videos := splitMedia(post.MediaURLs)
	form := url.Values{"caption": {post.Content}, "access_token": {creds.AccessToken}}
	kind := "photo"
	switch {
	case len(images) > 0:
		form.Set("image_url", images[0])
	case len(videos) > 0:
		kind = "video"
		form.Set("media_type", "REELS")
		form.Set("video_url", videos[0])
	default:
		return rejected("Instagram requires an image or video"), nil
	}

	var container idResponse
	if err := p.postForm(ctx, joinURL(p.base, igUser, "media"), form, &container); err != nil {
		return nil, err
	}
	if container.ID == "" {
		return rejected("Instagram returned no media container id"), nil
	}

	var published idResponse
	err := p.postForm(ctx, joinURL(p.base, igUser, "media_publish"), url.Values{
		"creation_id":  {container.ID},
		"access_token": {creds.AccessToken},
	}, &published)
	if err != nil {
		return nil, err
	}
	return &Outcome{Success: true, PlatformPostID: published.ID, PostType: kind}, nil
}

// LinkedIn shares text as a member or an organization.
type LinkedIn struct {
	client
	base string
}

func (p *LinkedIn) Channel() string { return "linkedin" }

// author resolves the entity to post as: the default organization, the first
// organization, an explicit entity id, then the member id. URN prefixes are
// reduced to the bare id.
func (p *LinkedIn) author(acct connections.Account) (string, bool) {
	var id string
	var isOrg bool
	for _, org := range acct.Organizations {
		if org.IsDefault && org.ID != "" {
			id, isOrg = org.ID, org.IsOrganization
			break
		}
	}
	if id == "" && len(acct.Organizations) > 0 {
		id, isOrg = acct.Organizations[0].ID, acct.Organizations[0].IsOrganization
	}
	if id == "" {
		id = acct.Extra["entity_id"]
		isOrg = acct.Extra["is_organization"] == "true"
	}
	if id == "" {
		id = acct.PlatformUserID
	}
	if id == "" {
		return "", false
	}

	lower := strings.ToLower(id)
	if i := strings.LastIndex(lower, "urn:li:organization:"); i >= 0 {
		id, isOrg = id[i+len("urn:li:organization:"):], true
	} else if i := strings.LastIndex(lower, "urn:li:person:"); i >= 0 {
		id, isOrg = id[i+len("urn:li:person:"):], false
	}
	id, _, _ = strings.Cut(id, ":")

	if isOrg {
		return "urn:li:organization:" + id, true
	}
	return "urn:li:person:" + id, true
}

func (p *LinkedIn) Publish(ctx context.Context, post Post, creds Credentials) (*Outcome, error) {
	author, ok := p.author(creds.Account)
	if !ok {
		return rejected("LinkedIn entity id not found"), nil
	}

	body := map[string]any{
		"author":         author,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]string{"text": post.Content},
				"shareMediaCategory": "NONE",
			},
		},
		"visibility": map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}

	var resp idResponse
	if err := p.postJSON(ctx, joinURL(p.base, "ugcPosts"), creds.AccessToken, body, &resp); err != nil {
		return nil, err
	}
	return &Outcome{Success: true, PlatformPostID: resp.ID, PostType: "text"}, nil
}

// Twitter posts a tweet, cut to the channel's character limit.
type Twitter struct {
	client
	base string
}

func (p *Twitter) Channel() string { return "twitter" }

func (p *Twitter) Publish(ctx context.Context, post Post, creds Credentials) (*Outcome, error) {
	if creds.AccessToken == "" {
		return rejected("Twitter access token not found"), nil
	}

	var resp struct {
		Data idResponse `json:"data"`
	}
	err := p.postJSON(ctx, joinURL(p.base, "tweets"), creds.AccessToken,
		map[string]string{"text": truncateRunes(post.Content, tweetLimit)}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		return rejected("Twitter returned no tweet id"), nil
	}
	return &Outcome{Success: true, PlatformPostID: resp.Data.ID, PostType: "text"}, nil
}

// TikTok pulls a video from a public URL.
type TikTok struct {
	client
	base string
}

func (p *TikTok) Channel() string { return "tiktok" }

func (p *TikTok) Publish(ctx context.Context, post Post, creds Credentials) (*Outcome, error) {
	if creds.AccessToken == "" {
		return rejected("TikTok access token not found"), nil
	}
	_, videos := splitMedia(post.MediaURLs)
	if len(videos) == 0 {
		return rejected("TikTok requires a video URL"), nil
	}

	body := map[string]any{
		"post_info": map[string]any{
			"title":         truncateRunes(post.Content, 2200),
			"privacy_level": "PUBLIC_TO_EVERYONE",
		},
		"source_info": map[string]any{
			"source":    "PULL_FROM_URL",
			"video_url": videos[0],
		},
	}

	var resp struct {
		Data struct {
			PublishID string `json:"publish_id"`
		} `json:"data"`
	}
	if err := p.postJSON(ctx, joinURL(p.base, "post/publish/video/init/"), creds.AccessToken, body, &resp); err != nil {
		return nil, err
	}
	return &Outcome{Success: true, PlatformPostID: resp.Data.PublishID, PostType: "video"}, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
