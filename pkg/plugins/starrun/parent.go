package starrun

import (
	"context"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/tmhk/dock/pkg/host"
	"github.com/tmhk/dock/pkg/plugins"
	"github.com/tmhk/dock/pkg/protocol"
	"github.com/tmhk/dock/pkg/telemetry"
)

// ctxLocal is the thread-local key the hook caller stores the Go
// context under, so parent builtins inherit the hook's deadline.
const ctxLocal = "dock.ctx"

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxLocal).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// parentModule builds the "parent" module: the legacy Parent API as
// seen from a plugin script. Method names match the host's, so scripts
// ported from the legacy runtime keep their call sites.
func parentModule(pluginID string, bridge *host.Bridge, notifier plugins.Notifier, logger *telemetry.Logger) *starlarkstruct.Module {
	b := &parentBuiltins{
		pluginID: pluginID,
		bridge:   bridge,
		notifier: notifier,
		logger:   logger,
	}

	members := starlark.StringDict{
		"Log": starlark.NewBuiltin("Log", b.log),

		"GetCurrencyName":  starlark.NewBuiltin("GetCurrencyName", b.getCurrencyName),
		"AddPoints":        starlark.NewBuiltin("AddPoints", b.addPoints),
		"RemovePoints":     starlark.NewBuiltin("RemovePoints", b.removePoints),
		"AddPointsAll":     starlark.NewBuiltin("AddPointsAll", b.addPointsAll),
		"RemovePointsAll":  starlark.NewBuiltin("RemovePointsAll", b.removePointsAll),
		"GetPoints":        starlark.NewBuiltin("GetPoints", b.getPoints),
		"GetRank":          starlark.NewBuiltin("GetRank", b.getRank),
		"GetHours":         starlark.NewBuiltin("GetHours", b.getHours),
		"GetCurrencyUsers": starlark.NewBuiltin("GetCurrencyUsers", b.getCurrencyUsers),

		"SendStreamMessage":  starlark.NewBuiltin("SendStreamMessage", b.sendStreamMessage),
		"SendStreamWhisper":  starlark.NewBuiltin("SendStreamWhisper", b.sendStreamWhisper),
		"SendDiscordMessage": starlark.NewBuiltin("SendDiscordMessage", b.sendDiscordMessage),
		"SendDiscordDM":      starlark.NewBuiltin("SendDiscordDM", b.sendDiscordDM),
		"BroadcastWSEvent":   starlark.NewBuiltin("BroadcastWSEvent", b.broadcastWSEvent),

		"HasPermission":         starlark.NewBuiltin("HasPermission", b.hasPermission),
		"GetViewerList":         starlark.NewBuiltin("GetViewerList", b.getViewerList),
		"GetActiveViewers":      starlark.NewBuiltin("GetActiveViewers", b.getActiveViewers),
		"GetRandomActiveViewer": starlark.NewBuiltin("GetRandomActiveViewer", b.getRandomActiveViewer),
		"GetDisplayName":        starlark.NewBuiltin("GetDisplayName", b.getDisplayName),

		"IsLive":              starlark.NewBuiltin("IsLive", b.isLive),
		"GetStreamingService": starlark.NewBuiltin("GetStreamingService", b.getStreamingService),
		"GetChannelName":      starlark.NewBuiltin("GetChannelName", b.getChannelName),

		"PlaySound":       starlark.NewBuiltin("PlaySound", b.playSound),
		"GetQueue":        starlark.NewBuiltin("GetQueue", b.getQueue),
		"GetSongQueue":    starlark.NewBuiltin("GetSongQueue", b.getSongQueue),
		"GetSongPlaylist": starlark.NewBuiltin("GetSongPlaylist", b.getSongPlaylist),
		"GetNowPlaying":   starlark.NewBuiltin("GetNowPlaying", b.getNowPlaying),
	}

	return &starlarkstruct.Module{Name: "parent", Members: members}
}

type parentBuiltins struct {
	pluginID string
	bridge   *host.Bridge
	notifier plugins.Notifier
	logger   *telemetry.Logger
}

// log forwards a script log line to the hub as an @log notice.
func (b *parentBuiltins) log(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "message", &message); err != nil {
		return nil, err
	}
	b.logger.WithField("script", true).Info(message)
	if b.notifier != nil {
		b.notifier.Notify(protocol.OutboundData{
			Type:     protocol.OutboundTypeLog,
			PluginID: b.pluginID,
			Message:  message,
		})
	}
	return starlark.None, nil
}

// Currency

func (b *parentBuiltins) getCurrencyName(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	name, err := b.bridge.GetCurrencyName(threadContext(thread))
	if err != nil {
		return nil, err
	}
	return starlark.String(name), nil
}

func (b *parentBuiltins) addPoints(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var userID, username string
	var amount int64
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "userid", &userID, "username", &username, "amount", &amount); err != nil {
		return nil, err
	}
	ok, err := b.bridge.AddPoints(threadContext(thread), userID, username, amount)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(ok), nil
}

func (b *parentBuiltins) removePoints(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var userID, username string
	var amount int64
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "userid", &userID, "username", &username, "amount", &amount); err != nil {
		return nil, err
	}
	ok, err := b.bridge.RemovePoints(threadContext(thread), userID, username, amount)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(ok), nil
}

func (b *parentBuiltins) addPointsAll(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var amounts *starlark.Dict
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "amounts", &amounts); err != nil {
		return nil, err
	}
	converted, err := amountsFromDict(amounts)
	if err != nil {
		return nil, err
	}
	failed, err := b.bridge.AddPointsAll(threadContext(thread), converted)
	if err != nil {
		return nil, err
	}
	return toStarlark(failed)
}

func (b *parentBuiltins) removePointsAll(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var amounts *starlark.Dict
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "amounts", &amounts); err != nil {
		return nil, err
	}
	converted, err := amountsFromDict(amounts)
	if err != nil {
		return nil, err
	}
	failed, err := b.bridge.RemovePointsAll(threadContext(thread), converted)
	if err != nil {
		return nil, err
	}
	return toStarlark(failed)
}

func (b *parentBuiltins) getPoints(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var userID string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "userid", &userID); err != nil {
		return nil, err
	}
	points, err := b.bridge.GetPoints(threadContext(thread), userID)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt64(points), nil
}

func (b *parentBuiltins) getRank(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var userID string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "userid", &userID); err != nil {
		return nil, err
	}
	rank, err := b.bridge.GetRank(threadContext(thread), userID)
	if err != nil {
		return nil, err
	}
	return starlark.String(rank), nil
}

func (b *parentBuiltins) getHours(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var userID string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "userid", &userID); err != nil {
		return nil, err
	}
	hours, err := b.bridge.GetHours(threadContext(thread), userID)
	if err != nil {
		return nil, err
	}
	return starlark.Float(hours), nil
}

func (b *parentBuiltins) getCurrencyUsers(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var userIDs *starlark.List
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "userids", &userIDs); err != nil {
		return nil, err
	}
	ids, err := stringsFromList(userIDs)
	if err != nil {
		return nil, err
	}
	users, err := b.bridge.GetCurrencyUsers(threadContext(thread), ids)
	if err != nil {
		return nil, err
	}
	list := make([]starlark.Value, len(users))
	for i, u := range users {
		entry, err := toStarlark(map[string]any{
			"id":     u.ID,
			"name":   u.Name,
			"points": u.Points,
			"rank":   u.Rank,
			"hours":  u.Hours,
		})
		if err != nil {
			return nil, err
		}
		list[i] = entry
	}
	return starlark.NewList(list), nil
}

// Messaging

func (b *parentBuiltins) sendStreamMessage(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "message", &message); err != nil {
		return nil, err
	}
	return starlark.None, b.bridge.SendStreamMessage(threadContext(thread), message)
}

func (b *parentBuiltins) sendStreamWhisper(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, message string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target", &target, "message", &message); err != nil {
		return nil, err
	}
	return starlark.None, b.bridge.SendStreamWhisper(threadContext(thread), target, message)
}

func (b *parentBuiltins) sendDiscordMessage(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "message", &message); err != nil {
		return nil, err
	}
	return starlark.None, b.bridge.SendDiscordMessage(threadContext(thread), message)
}

func (b *parentBuiltins) sendDiscordDM(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, message string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target", &target, "message", &message); err != nil {
		return nil, err
	}
	return starlark.None, b.bridge.SendDiscordDM(threadContext(thread), target, message)
}

func (b *parentBuiltins) broadcastWSEvent(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var event string
	var payload starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "event", &event, "payload", &payload); err != nil {
		return nil, err
	}
	converted, err := fromStarlark(payload)
	if err != nil {
		return nil, err
	}
	return starlark.None, b.bridge.BroadcastWSEvent(threadContext(thread), event, converted)
}

// Viewers

func (b *parentBuiltins) hasPermission(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var userID, permission, info string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "userid", &userID, "permission", &permission, "info?", &info); err != nil {
		return nil, err
	}
	ok, err := b.bridge.HasPermission(threadContext(thread), userID, permission, info)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(ok), nil
}

func (b *parentBuiltins) getViewerList(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	viewers, err := b.bridge.GetViewerList(threadContext(thread))
	if err != nil {
		return nil, err
	}
	return toStarlark(viewers)
}

func (b *parentBuiltins) getActiveViewers(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	viewers, err := b.bridge.GetActiveViewers(threadContext(thread))
	if err != nil {
		return nil, err
	}
	return toStarlark(viewers)
}

func (b *parentBuiltins) getRandomActiveViewer(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	viewer, err := b.bridge.GetRandomActiveViewer(threadContext(thread))
	if err != nil {
		return nil, err
	}
	return starlark.String(viewer), nil
}

func (b *parentBuiltins) getDisplayName(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var userID string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "userid", &userID); err != nil {
		return nil, err
	}
	name, err := b.bridge.GetDisplayName(threadContext(thread), userID)
	if err != nil {
		return nil, err
	}
	return starlark.String(name), nil
}

// Stream state

func (b *parentBuiltins) isLive(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	live, err := b.bridge.IsLive(threadContext(thread))
	if err != nil {
		return nil, err
	}
	return starlark.Bool(live), nil
}

func (b *parentBuiltins) getStreamingService(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	service, err := b.bridge.GetStreamingService(threadContext(thread))
	if err != nil {
		return nil, err
	}
	return starlark.String(service), nil
}

func (b *parentBuiltins) getChannelName(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	channel, err := b.bridge.GetChannelName(threadContext(thread))
	if err != nil {
		return nil, err
	}
	return starlark.String(channel), nil
}

// Media

func (b *parentBuiltins) playSound(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	var volume int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path, "volume", &volume); err != nil {
		return nil, err
	}
	ok, err := b.bridge.PlaySound(threadContext(thread), path, volume)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(ok), nil
}

func (b *parentBuiltins) getQueue(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var max int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "max", &max); err != nil {
		return nil, err
	}
	queue, err := b.bridge.GetQueue(threadContext(thread), max)
	if err != nil {
		return nil, err
	}
	return rawToStarlark(queue)
}

func (b *parentBuiltins) getSongQueue(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var max int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "max", &max); err != nil {
		return nil, err
	}
	queue, err := b.bridge.GetSongQueue(threadContext(thread), max)
	if err != nil {
		return nil, err
	}
	return rawToStarlark(queue)
}

func (b *parentBuiltins) getSongPlaylist(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var max int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "max", &max); err != nil {
		return nil, err
	}
	playlist, err := b.bridge.GetSongPlaylist(threadContext(thread), max)
	if err != nil {
		return nil, err
	}
	return rawToStarlark(playlist)
}

func (b *parentBuiltins) getNowPlaying(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	song, err := b.bridge.GetNowPlaying(threadContext(thread))
	if err != nil {
		return nil, err
	}
	return rawToStarlark(song)
}
