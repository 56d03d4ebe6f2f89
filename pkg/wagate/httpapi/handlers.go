package httpapi

import (
	"html/template"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jholhewres/wagate/pkg/wagate/waclient"
	"github.com/jholhewres/wagate/pkg/wagate/webhook"
)

type sendTextRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendMediaRequest struct {
	To       string `json:"to"`
	MediaURL string `json:"mediaUrl"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type sendResponse struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleSendText(c echo.Context) error {
	var req sendTextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.To == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "to is required")
	}
	receipt, err := s.svc.SendText(c.Request().Context(), req.To, req.Body)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sendResponse{MessageID: receipt.MessageID, Timestamp: receipt.Timestamp})
}

func (s *Server) handleSendMedia(c echo.Context) error {
	var req sendMediaRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.To == "" || req.MediaURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "to and mediaUrl are required")
	}
	receipt, err := s.svc.SendMedia(c.Request().Context(), req.To, req.MediaURL, req.Caption, req.Filename)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sendResponse{MessageID: receipt.MessageID, Timestamp: receipt.Timestamp})
}

func (s *Server) handleQR(c echo.Context) error {
	qr, ok := s.svc.CurrentQR()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no QR pending, session may already be authenticated",
		})
	}
	return c.JSON(http.StatusOK, qr)
}

// qrPage is the minimal scan page served to browsers.
var qrPage = template.Must(template.New("qr").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>WhatsApp Login</title>
  <meta http-equiv="refresh" content="10">
  <style>
    body { font-family: sans-serif; text-align: center; padding-top: 40px; }
    img { border: 1px solid #ccc; padding: 16px; }
  </style>
</head>
<body>
  <h2>Scan with WhatsApp</h2>
  {{if .DataURL}}<img src="{{.DataURL}}" alt="QR code">{{else}}<p>{{.Message}}</p>{{end}}
  <p><small>This page refreshes every 10 seconds.</small></p>
</body>
</html>
`))

func (s *Server) handleQRView(c echo.Context) error {
	qr, ok := s.svc.CurrentQR()
	data := struct {
		DataURL template.URL
		Message string
	}{}
	if ok {
		data.DataURL = template.URL(qr.DataURL)
	} else {
		data.Message = "No QR pending. The session may already be authenticated."
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return qrPage.Execute(c.Response(), data)
}

func (s *Server) handleListContacts(c echo.Context) error {
	contacts, err := s.svc.Contacts().ListContacts(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, contacts)
}

func (s *Server) handleSaveContact(c echo.Context) error {
	var contact waclient.Contact
	if err := c.Bind(&contact); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if contact.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	if err := s.svc.Contacts().SaveContact(c.Request().Context(), contact); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, contact)
}

func (s *Server) handleContact(c echo.Context) error {
	contact, err := s.svc.Contacts().ContactByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if err == waclient.ErrNotFound {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "contact not found"})
		}
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, contact)
}

type createGroupRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

func (s *Server) handleListGroups(c echo.Context) error {
	groups, err := s.svc.ListGroups(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, groups)
}

func (s *Server) handleCreateGroup(c echo.Context) error {
	var req createGroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	group, err := s.svc.CreateGroup(c.Request().Context(), req.Name, req.Participants)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, group)
}

type groupMessageRequest struct {
	Body string `json:"body"`
}

func (s *Server) handleSendGroup(c echo.Context) error {
	var req groupMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	receipt, err := s.svc.SendToGroup(c.Request().Context(), c.Param("ref"), req.Body)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sendResponse{MessageID: receipt.MessageID, Timestamp: receipt.Timestamp})
}

type chatMediaRequest struct {
	MediaURL string `json:"mediaUrl"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

func (s *Server) handleSendGroupMedia(c echo.Context) error {
	var req chatMediaRequest
	if err := c.Bind(&req); err != nil || req.MediaURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "mediaUrl is required")
	}
	receipt, err := s.svc.SendMediaToGroup(c.Request().Context(), c.Param("ref"), req.MediaURL, req.Caption, req.Filename)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sendResponse{MessageID: receipt.MessageID, Timestamp: receipt.Timestamp})
}

func (s *Server) handleCreateDiffusion(c echo.Context) error {
	var req createGroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, err := s.svc.CreateDiffusion(c.Request().Context(), req.Name, req.Participants); err != nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) handleSendDiffusionMedia(c echo.Context) error {
	var req chatMediaRequest
	if err := c.Bind(&req); err != nil || req.MediaURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "mediaUrl is required")
	}
	receipt, err := s.svc.SendMediaToDiffusion(c.Request().Context(), c.Param("ref"), req.MediaURL, req.Caption, req.Filename)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sendResponse{MessageID: receipt.MessageID, Timestamp: receipt.Timestamp})
}

func (s *Server) handleListDiffusions(c echo.Context) error {
	lists, err := s.svc.ListDiffusions(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, lists)
}

func (s *Server) handleSendDiffusion(c echo.Context) error {
	var req groupMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	receipt, err := s.svc.SendToDiffusion(c.Request().Context(), c.Param("ref"), req.Body)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sendResponse{MessageID: receipt.MessageID, Timestamp: receipt.Timestamp})
}

func (s *Server) handleGuardStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Guard().Stats())
}

type blacklistRequest struct {
	Recipient string `json:"recipient"`
}

func (s *Server) handleBlacklist(c echo.Context) error {
	var req blacklistRequest
	if err := c.Bind(&req); err != nil || req.Recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient is required")
	}
	s.svc.Guard().Blacklist(req.Recipient)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnblacklist(c echo.Context) error {
	if !s.svc.Guard().Unblacklist(c.Param("id")) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "recipient not on blacklist"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Cache().Stats())
}

func (s *Server) handleCacheClear(c echo.Context) error {
	s.svc.Cache().Clear()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetWebhook(c echo.Context) error {
	cfg, ok := s.svc.Webhooks().Current()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no webhook configured"})
	}
	// Never echo the key back.
	if cfg.APIKey != "" {
		cfg.APIKey = "***"
	}
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleSetWebhook(c echo.Context) error {
	var cfg webhook.Config
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.svc.Webhooks().Configure(cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteWebhook(c echo.Context) error {
	s.svc.Webhooks().Remove()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTestWebhook(c echo.Context) error {
	if err := s.svc.Webhooks().Test(c.Request().Context()); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "delivered"})
}
